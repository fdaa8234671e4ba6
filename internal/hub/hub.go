// Package hub keeps the registry of connected viewers and streams each
// published revision to every one of them independently.
package hub

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/pagecast/internal/frame"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

type Options struct {
	// Token, when set, must be presented as a bearer header or the "token"
	// query parameter.
	Token        string
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub owns the session registry and the latest published revision.
type Hub struct {
	sessions   map[string]*Session
	register   chan *Session
	unregister chan *Session
	// mu guards sessions and latest together so a registering session
	// cannot miss a concurrent Publish.
	mu      sync.RWMutex
	latest  *frame.FrameSet
	opts    Options
	log     *slog.Logger
	running atomic.Bool

	published atomic.Int64
}

func New(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 16),
		unregister: make(chan *Session, 16),
		opts:       opts,
		log:        opts.Logger,
	}
}

// Run services registrations until ctx is cancelled, then closes every
// session.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, s := range h.sessions {
				s.box.close()
			}
			h.sessions = make(map[string]*Session)
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.id] = s
			if h.latest != nil {
				s.box.offer(h.latest)
			}
			n := len(h.sessions)
			h.mu.Unlock()
			go s.deliverPump(ctx)
			go s.readPump(ctx)
			h.log.Info("viewer connected", "session", s.id, "remote", s.remote, "total", n)

		case s := <-h.unregister:
			h.removeSession(s)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !Authorized(r, h.opts.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept error", "error", err)
		return
	}

	s := newSession(conn, h, r.RemoteAddr)

	select {
	case h.register <- s:
	default:
		h.log.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Authorized reports whether r carries token as an "Authorization: Bearer"
// header or a "token" query parameter. An empty token allows everything.
func Authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		if tokenEqual(strings.TrimSpace(header[7:]), token) {
			return true
		}
	}
	return tokenEqual(r.URL.Query().Get("token"), token)
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Publish makes fs the current revision and hands it to every session.
// It never blocks on viewers.
func (h *Hub) Publish(fs *frame.FrameSet) {
	if fs == nil {
		return
	}
	h.mu.Lock()
	h.latest = fs
	for _, s := range h.sessions {
		s.box.offer(fs)
	}
	n := len(h.sessions)
	h.mu.Unlock()

	h.published.Add(1)
	h.log.Info("revision published", "revision", fs.Revision, "pages", fs.Len(), "viewers", n)
}

// Latest returns the most recently published revision, or nil.
func (h *Hub) Latest() *frame.FrameSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

func (h *Hub) Published() int64 { return h.published.Load() }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ForEachSession calls fn for a snapshot of the registered sessions.
func (h *Hub) ForEachSession(fn func(*Session)) {
	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

func (h *Hub) Sessions() []SessionInfo {
	var out []SessionInfo
	h.ForEachSession(func(s *Session) {
		out = append(out, s.Info())
	})
	return out
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	cur, ok := h.sessions[s.id]
	if ok && cur == s {
		delete(h.sessions, s.id)
	}
	n := len(h.sessions)
	h.mu.Unlock()

	s.box.close()
	if ok {
		h.log.Info("viewer disconnected", "session", s.id, "total", n)
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterSession(s *Session) {
	if !h.isRunning() {
		s.box.close()
		s.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- s:
	default:
		h.log.Warn("unregister channel full, forcing close", "session", s.id)
		h.removeSession(s)
	}
}
