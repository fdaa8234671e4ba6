package hub

import (
	"sync"

	"github.com/user/pagecast/internal/frame"
)

// mailbox is a single-slot, latest-wins hand-off from the publisher to one
// session's delivery goroutine. offer never blocks; an unconsumed revision
// is overwritten and counted as dropped.
type mailbox struct {
	mu      sync.Mutex
	next    *frame.FrameSet
	closed  bool
	dropped uint64

	ready chan struct{}
	done  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (m *mailbox) offer(fs *frame.FrameSet) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.next != nil {
		m.dropped++
	}
	m.next = fs
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take returns the pending revision, or nil if it was already consumed.
func (m *mailbox) take() *frame.FrameSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	fs := m.next
	m.next = nil
	return fs
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.next = nil
	close(m.done)
}

func (m *mailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
