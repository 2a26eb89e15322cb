package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-dev/anima/internal/clock"
	"github.com/anima-dev/anima/internal/events"
	"github.com/anima-dev/anima/internal/store"
	"github.com/anima-dev/anima/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestServer wires a Server to a real Supervisor backed by a
// file-backed Store rooted in a temp dir, mirroring how cmd/anima wires
// things but without calling Start (so only projects registered through
// the handlers get a scheduler goroutine; tests exercise the handlers
// directly through the mux via httptest).
func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	sup := supervisor.New(fs, clock.New(), events.New(), supervisor.AgentCLIConfig{}, testLogger())

	s := New(sup, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects", s.listProjects)
	mux.HandleFunc("POST /api/projects", s.registerProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.removeProject)
	mux.HandleFunc("GET /api/projects/{id}", s.getSnapshot)
	mux.HandleFunc("POST /api/projects/{id}/wake", s.wakeNow)
	mux.HandleFunc("POST /api/projects/{id}/pause", s.pause)
	mux.HandleFunc("POST /api/projects/{id}/resume", s.resume)
	mux.HandleFunc("POST /api/projects/{id}/guidance", s.provideGuidance)
	mux.HandleFunc("GET /api/projects/{id}/docs/{which}", s.getDoc)
	return s, mux
}

func TestRegisterAndListProjects(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()

	body, _ := json.Marshal(map[string]string{"path": projectDir, "displayName": "demo"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["id"])

	req = httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created["id"])
}

func TestRegisterProjectRejectsMalformedBody(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSnapshotForUnknownProjectIs404(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/projects/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSnapshotAfterRegister(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/api/projects/"+created["id"], nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"State\"")
}

func TestRemoveProject(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodDelete, "/api/projects/"+created["id"], nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/projects/"+created["id"], nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// wakeNow/pause/resume all route through schedFor, which errors for any
// project with no running scheduler. Registering a project starts its
// scheduler and removing it stops that scheduler again, so a wake request
// for a removed project exercises that path.
func TestWakeNowWithoutRunningSchedulerIsConflict(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodDelete, "/api/projects/"+created["id"], nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/projects/"+created["id"]+"/wake", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvideGuidanceWritesMemoryDoc(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	guidance, _ := json.Marshal(map[string]string{"text": "focus on the parser next"})
	req = httptest.NewRequest(http.MethodPost, "/api/projects/"+created["id"]+"/guidance", bytes.NewReader(guidance))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/projects/"+created["id"]+"/docs/memory", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "focus on the parser next")
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestGetDocForUnknownWhichIsNotFound(t *testing.T) {
	_, mux := newTestServer(t)
	projectDir := t.TempDir()
	body, _ := json.Marshal(map[string]string{"path": projectDir})
	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/api/projects/"+created["id"]+"/docs/no-such-milestone", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
