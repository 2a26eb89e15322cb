// Package api is the Control API transport (spec §6): a small JSON+SSE
// HTTP surface over the Supervisor, meant for a local dashboard or CLI
// client, not a public multi-tenant API.
//
// Grounded on the teacher's internal/web.Server: the same
// http.ServeMux-with-method-patterns routing, the same withLogging
// middleware shape, and the same SSE handler structure (internal/web/sse.go),
// generalized from a per-client broadcast-string channel to the typed
// internal/events.Bus subscription Anima already has.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anima-dev/anima/internal/markdown"
	"github.com/anima-dev/anima/internal/supervisor"
)

// Server is the control-API HTTP server.
type Server struct {
	sup    *supervisor.Supervisor
	log    *slog.Logger
	server *http.Server
}

// New creates a control-API server bound to sup.
func New(sup *supervisor.Supervisor, log *slog.Logger) *Server {
	return &Server{sup: sup, log: log}
}

// Start builds the route table and begins serving at addr. It blocks
// until the listener stops, matching net/http.Server.ListenAndServe's
// contract.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/projects", s.listProjects)
	mux.HandleFunc("POST /api/projects", s.registerProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.removeProject)
	mux.HandleFunc("GET /api/projects/{id}", s.getSnapshot)
	mux.HandleFunc("POST /api/projects/{id}/wake", s.wakeNow)
	mux.HandleFunc("POST /api/projects/{id}/pause", s.pause)
	mux.HandleFunc("POST /api/projects/{id}/resume", s.resume)
	mux.HandleFunc("POST /api/projects/{id}/milestones/{mid}/cancel", s.cancelMilestone)
	mux.HandleFunc("POST /api/projects/{id}/milestones/{mid}/approve", s.approveAwaitingReview)
	mux.HandleFunc("POST /api/projects/{id}/milestones/{mid}/reject", s.rejectAwaitingReview)
	mux.HandleFunc("POST /api/projects/{id}/guidance", s.provideGuidance)
	mux.HandleFunc("GET /api/projects/{id}/docs/{which}", s.getDoc)
	mux.HandleFunc("GET /api/events", s.streamEvents)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("starting control API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	regs, err := s.sup.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) registerProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.sup.RegisterProject(r.Context(), body.Path, body.DisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) removeProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.RemoveProject(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.sup.GetProjectSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) wakeNow(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.WakeNow(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Pause(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Resume(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelMilestone(w http.ResponseWriter, r *http.Request) {
	err := s.sup.CancelMilestone(r.Context(), r.PathValue("id"), r.PathValue("mid"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) approveAwaitingReview(w http.ResponseWriter, r *http.Request) {
	err := s.sup.ApproveAwaitingReview(r.Context(), r.PathValue("id"), r.PathValue("mid"))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) rejectAwaitingReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := s.sup.RejectAwaitingReview(r.Context(), r.PathValue("id"), r.PathValue("mid"), body.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) provideGuidance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sup.ProvideHumanGuidance(r.Context(), r.PathValue("id"), body.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getDoc(w http.ResponseWriter, r *http.Request) {
	raw, err := s.sup.ProjectDoc(r.Context(), r.PathValue("id"), r.PathValue("which"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(markdown.ToHTML(raw)))
}

// streamEvents serves Server-Sent Events for every published event,
// optionally filtered to one project via ?project=<id>.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cancel := make(chan struct{})
	defer close(cancel)
	sub := s.sup.SubscribeEvents(cancel)
	defer sub.Unsubscribe()

	projectFilter := r.URL.Query().Get("project")

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if projectFilter != "" && ev.ProjectID != projectFilter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
