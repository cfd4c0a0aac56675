package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/filebridge/engine/internal/core"
)

// Manager is the subset of engine.Manager's methods the admin API calls.
// Defining it as an interface here lets handlers be tested against a fake
// without installing real watchers/launchers.
type Manager interface {
	Profiles() []core.WatchProfile
	Install(p core.WatchProfile) error
	Remove(name string) error
	Scan(name string) (int, error)
}

// Server holds the dependencies needed by the admin API handlers.
type Server struct {
	manager Manager
}

// NewServer creates a new Server backed by manager.
func NewServer(manager Manager) *Server {
	return &Server{manager: manager}
}

// handleHealthz responds to GET /healthz with no authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListProfiles responds to GET /profiles with every installed
// WatchProfile.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.manager.Profiles()
	if profiles == nil {
		profiles = []core.WatchProfile{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(profiles)
}

// handleCreateProfile responds to POST /profiles by installing the
// WatchProfile in the request body.
func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var p core.WatchProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed WatchProfile body")
		return
	}
	if p.Name == "" || p.WatchDirectory == "" || p.ExecutablePath == "" {
		writeError(w, http.StatusBadRequest, "Name, WatchDirectory, and ExecutablePath are required")
		return
	}
	if err := s.manager.Install(p); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleRemoveProfile responds to DELETE /profiles/{name}.
func (s *Server) handleRemoveProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Remove(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScanProfile responds to POST /profiles/{name}/scan, the
// manual-scan operation of spec §6.
func (s *Server) handleScanProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := s.manager.Scan(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"eventsAdmitted": n})
}
