// Package api serves the read-only JSON status endpoints next to the viewer.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/pagecast/internal/db"
	"github.com/user/pagecast/internal/frame"
	"github.com/user/pagecast/internal/hub"
	"github.com/user/pagecast/internal/preview"
	"github.com/user/pagecast/internal/watcher"
)

const (
	defaultRevisionLimit = 50
	maxRevisionLimit     = 500
)

type hubView interface {
	ClientCount() int
	Sessions() []hub.SessionInfo
	Latest() *frame.FrameSet
	Published() int64
}

type pipelineView interface {
	Stats() preview.Stats
	Request()
}

type watcherView interface {
	Stats() watcher.Stats
}

type revisionStore interface {
	List(ctx context.Context, filter db.RevisionFilter) ([]*db.Revision, error)
	Get(ctx context.Context, id string) (*db.Revision, error)
}

// Deps are the components the API reports on. Watcher and History may be
// nil.
type Deps struct {
	Hub      hubView
	Pipeline pipelineView
	Watcher  watcherView
	History  revisionStore
	Input    string
	Token    string
	Started  time.Time
}

type handler struct {
	deps Deps
}

// NewRouter returns the handler for /health and everything under /api.
func NewRouter(deps Deps) http.Handler {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(deps.Token))
		r.Get("/status", h.status)
		r.Get("/sessions", h.sessions)
		r.Get("/revisions", h.listRevisions)
		r.Get("/revisions/{id}", h.getRevision)
		r.Post("/compile", h.compile)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if hub.Authorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
