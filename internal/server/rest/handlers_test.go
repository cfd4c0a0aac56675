package rest_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/filebridge/engine/internal/core"
	"github.com/filebridge/engine/internal/server/rest"
)

type fakeManager struct {
	profiles []core.WatchProfile
}

func (m *fakeManager) Profiles() []core.WatchProfile { return m.profiles }

func (m *fakeManager) Install(p core.WatchProfile) error {
	for _, existing := range m.profiles {
		if existing.Name == p.Name {
			return fmt.Errorf("already installed")
		}
	}
	m.profiles = append(m.profiles, p)
	return nil
}

func (m *fakeManager) Remove(name string) error {
	for i, p := range m.profiles {
		if p.Name == name {
			m.profiles = append(m.profiles[:i], m.profiles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such profile %q", name)
}

func (m *fakeManager) Scan(name string) (int, error) {
	for _, p := range m.profiles {
		if p.Name == name {
			return 3, nil
		}
	}
	return 0, fmt.Errorf("no such profile %q", name)
}

func TestHandleListProfiles(t *testing.T) {
	mgr := &fakeManager{profiles: []core.WatchProfile{{Name: "p1"}}}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/profiles/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []core.WatchProfile
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "p1" {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleCreateProfile(t *testing.T) {
	mgr := &fakeManager{}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	body := `{"Name":"p1","WatchDirectory":"/data","ExecutablePath":"/bin/x"}`
	req := httptest.NewRequest(http.MethodPost, "/profiles/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	if len(mgr.profiles) != 1 {
		t.Fatalf("len(profiles) = %d, want 1", len(mgr.profiles))
	}
}

func TestHandleCreateProfile_MissingFields(t *testing.T) {
	mgr := &fakeManager{}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/profiles/", strings.NewReader(`{"Name":"p1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRemoveProfile(t *testing.T) {
	mgr := &fakeManager{profiles: []core.WatchProfile{{Name: "p1"}}}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodDelete, "/profiles/p1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(mgr.profiles) != 0 {
		t.Fatalf("len(profiles) = %d, want 0", len(mgr.profiles))
	}
}

func TestHandleScanProfile_NotFound(t *testing.T) {
	mgr := &fakeManager{}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/profiles/missing/scan", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleHealthz_NoAuthRequired(t *testing.T) {
	mgr := &fakeManager{}
	srv := rest.NewServer(mgr)
	router := rest.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
