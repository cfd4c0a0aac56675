package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the profile-admin API.
//
// Route layout:
//
//	GET    /healthz                 – liveness probe (no authentication required)
//	GET    /profiles                – list installed WatchProfiles (JWT required)
//	POST   /profiles                – install a WatchProfile (JWT required)
//	DELETE /profiles/{name}         – remove a WatchProfile (JWT required)
//	POST   /profiles/{name}/scan    – trigger a manual scan (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /profiles routes. Pass nil to disable JWT validation (useful in tests
// that cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/profiles", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/", srv.handleListProfiles)
		r.Post("/", srv.handleCreateProfile)
		r.Delete("/{name}", srv.handleRemoveProfile)
		r.Post("/{name}/scan", srv.handleScanProfile)
	})

	return r
}
