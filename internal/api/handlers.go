package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/user/pagecast/internal/db"
	"github.com/user/pagecast/internal/hub"
	"github.com/user/pagecast/internal/preview"
	"github.com/user/pagecast/internal/watcher"
)

type revisionSummary struct {
	Revision   string    `json:"revision"`
	Pages      int       `json:"pages"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bytes      int64     `json:"bytes"`
	BytesHuman string    `json:"bytes_human"`
	CreatedAt  time.Time `json:"created_at"`
}

type statusResponse struct {
	Input     string            `json:"input"`
	Uptime    string            `json:"uptime"`
	Viewers   int               `json:"viewers"`
	Published int64             `json:"published"`
	Latest    *revisionSummary  `json:"latest"`
	Pipeline  *preview.Stats    `json:"pipeline,omitempty"`
	Watcher   *watcher.Stats    `json:"watcher,omitempty"`
	Sessions  []hub.SessionInfo `json:"sessions"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Input:    h.deps.Input,
		Uptime:   time.Since(h.deps.Started).Round(time.Second).String(),
		Sessions: []hub.SessionInfo{},
	}
	if h.deps.Hub != nil {
		resp.Viewers = h.deps.Hub.ClientCount()
		resp.Published = h.deps.Hub.Published()
		if sessions := h.deps.Hub.Sessions(); sessions != nil {
			resp.Sessions = sessions
		}
		if fs := h.deps.Hub.Latest(); fs != nil {
			width, height := fs.Dimensions()
			resp.Latest = &revisionSummary{
				Revision:   fs.Revision,
				Pages:      fs.Len(),
				Width:      width,
				Height:     height,
				Bytes:      fs.Bytes(),
				BytesHuman: humanize.Bytes(uint64(fs.Bytes())),
				CreatedAt:  fs.CreatedAt,
			}
		}
	}
	if h.deps.Pipeline != nil {
		stats := h.deps.Pipeline.Stats()
		resp.Pipeline = &stats
	}
	if h.deps.Watcher != nil {
		stats := h.deps.Watcher.Stats()
		resp.Watcher = &stats
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *handler) sessions(w http.ResponseWriter, _ *http.Request) {
	out := []hub.SessionInfo{}
	if h.deps.Hub != nil {
		if sessions := h.deps.Hub.Sessions(); sessions != nil {
			out = sessions
		}
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) listRevisions(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		jsonError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	limit := queryInt(r, "limit", defaultRevisionLimit)
	if limit <= 0 {
		limit = defaultRevisionLimit
	}
	if limit > maxRevisionLimit {
		limit = maxRevisionLimit
	}
	items, err := h.deps.History.List(r.Context(), db.RevisionFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, items)
}

func (h *handler) getRevision(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		jsonError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	rev, err := h.deps.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rev == nil {
		jsonError(w, http.StatusNotFound, "revision not found")
		return
	}
	jsonResponse(w, http.StatusOK, rev)
}

// compile queues a recompile as if the source had changed.
func (h *handler) compile(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Pipeline == nil {
		jsonError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	h.deps.Pipeline.Request()
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
