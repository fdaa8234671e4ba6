package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/pagecast/internal/frame"
)

// wsConn is the subset of *websocket.Conn a session uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Session is one connected viewer. Its delivery goroutine is the only
// writer of the connection and the only owner of last.
type Session struct {
	id          string
	conn        wsConn
	hub         *Hub
	box         *mailbox
	remote      string
	connectedAt time.Time

	// last is the revision the viewer is known to display in full, or nil
	// if nothing (or only part of a revision) has been delivered.
	last *frame.FrameSet

	revision   atomic.Value // string
	deliveries atomic.Int64
	pages      atomic.Int64
	bytes      atomic.Int64
}

func newSession(conn wsConn, hub *Hub, remote string) *Session {
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		hub:         hub,
		box:         newMailbox(),
		remote:      remote,
		connectedAt: time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() SessionInfo {
	rev, _ := s.revision.Load().(string)
	return SessionInfo{
		ID:          s.id,
		Remote:      s.remote,
		ConnectedAt: s.connectedAt.Unix(),
		Revision:    rev,
		Deliveries:  s.deliveries.Load(),
		Pages:       s.pages.Load(),
		Bytes:       s.bytes.Load(),
		Dropped:     s.box.droppedCount(),
	}
}

// readPump drains client frames so close and pong frames are processed.
// Viewers have nothing to say; anything they send is discarded.
func (s *Session) readPump(ctx context.Context) {
	defer s.hub.unregisterSession(s)

	s.conn.SetReadLimit(4096)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.hub.log.Debug("session read ended", "session", s.id, "error", err)
			}
			return
		}
		s.hub.log.Debug("ignoring viewer message", "session", s.id, "bytes", len(data))
	}
}

func (s *Session) deliverPump(ctx context.Context) {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-s.box.done:
			s.conn.Close(websocket.StatusNormalClosure, "")
			return

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.hub.opts.WriteTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.hub.log.Info("session ping failed", "session", s.id, "error", err)
				s.conn.Close(websocket.StatusGoingAway, "ping failed")
				s.hub.unregisterSession(s)
				return
			}

		case <-s.box.ready:
			fs := s.box.take()
			if fs == nil {
				continue
			}
			if err := s.deliver(ctx, fs); err != nil {
				if ctx.Err() == nil {
					s.hub.log.Warn("delivery failed, dropping session", "session", s.id, "revision", fs.Revision, "error", err)
				}
				s.conn.Close(websocket.StatusInternalError, "delivery failed")
				s.hub.unregisterSession(s)
				return
			}
		}
	}
}

// deliver brings the viewer from s.last to fs. Until the final payload is
// written the session counts as holding nothing, so an interrupted
// revision is followed by a full resend rather than a resume.
func (s *Session) deliver(ctx context.Context, fs *frame.FrameSet) error {
	if fs == s.last {
		return nil
	}
	d := frame.Diff(s.last, fs)
	if d.Empty() {
		s.last = fs
		s.revision.Store(fs.Revision)
		return nil
	}

	s.last = nil

	meta, err := json.Marshal(newMetaMessage(fs, d))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.write(ctx, websocket.MessageText, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	var sent int64
	for _, idx := range d.Changed {
		p := fs.Page(idx)
		if err := s.write(ctx, websocket.MessageBinary, p.Pix); err != nil {
			return fmt.Errorf("write page %d: %w", idx, err)
		}
		sent += int64(p.Size())
	}

	s.last = fs
	s.revision.Store(fs.Revision)
	s.deliveries.Add(1)
	s.pages.Add(int64(len(d.Changed)))
	s.bytes.Add(sent)

	s.hub.log.Debug("revision delivered",
		"session", s.id,
		"revision", fs.Revision,
		"page_num", d.PageCount,
		"changed", d.Changed,
		"removed", d.Removed,
		"size", humanize.Bytes(uint64(sent)),
	)
	return nil
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.hub.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, typ, p)
}
