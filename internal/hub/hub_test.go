package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/pagecast/internal/frame"
	"github.com/user/pagecast/internal/frame/frametest"
)

var errWrite = errors.New("fake write failure")

type fakeMsg struct {
	typ  websocket.MessageType
	data []byte
}

// fakeConn records writes. failAfter < 0 never fails; block, when set,
// holds every Write until it is closed.
type fakeConn struct {
	mu        sync.Mutex
	msgs      []fakeMsg
	writes    int
	failAfter int
	block     chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{failAfter: -1, closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && c.writes >= c.failAfter {
		return errWrite
	}
	c.writes++
	c.msgs = append(c.msgs, fakeMsg{typ: typ, data: p})
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) messages() []fakeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeMsg, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) setFailAfter(n int) {
	c.mu.Lock()
	c.failAfter = n
	c.mu.Unlock()
}

type revision struct {
	meta     MetaMessage
	payloads [][]byte
}

func splitRevisions(t *testing.T, msgs []fakeMsg) []revision {
	t.Helper()
	var out []revision
	for _, m := range msgs {
		if m.typ == websocket.MessageText {
			var meta MetaMessage
			if err := json.Unmarshal(m.data, &meta); err != nil {
				t.Fatalf("bad metadata %q: %v", m.data, err)
			}
			out = append(out, revision{meta: meta})
			continue
		}
		if len(out) == 0 {
			t.Fatal("payload before metadata")
		}
		out[len(out)-1].payloads = append(out[len(out)-1].payloads, m.data)
	}
	return out
}

// viewer mirrors what the browser keeps: one pixel buffer per page.
type viewer struct {
	pages [][]byte
}

func (v *viewer) apply(t *testing.T, r revision) {
	t.Helper()
	if len(r.payloads) != len(r.meta.Pages) {
		t.Fatalf("metadata lists %d pages but %d payloads followed", len(r.meta.Pages), len(r.payloads))
	}
	for len(v.pages) < r.meta.PageNum {
		v.pages = append(v.pages, nil)
	}
	v.pages = v.pages[:r.meta.PageNum]
	for i, idx := range r.meta.Pages {
		if want := r.meta.Width * r.meta.Height * 4; len(r.payloads[i]) != want {
			t.Fatalf("payload %d is %d bytes, want %d", idx, len(r.payloads[i]), want)
		}
		v.pages[idx-1] = r.payloads[i]
	}
}

func (v *viewer) matches(fs *frame.FrameSet) bool {
	if len(v.pages) != fs.Len() {
		return false
	}
	for i, p := range v.pages {
		if string(p) != string(fs.Page(i+1).Pix) {
			return false
		}
	}
	return true
}

func testHub() *Hub {
	return New(Options{WriteTimeout: time.Second, PingInterval: time.Hour})
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
}

func addFakeSession(t *testing.T, h *Hub, c *fakeConn) *Session {
	t.Helper()
	s := newSession(c, h, "fake")
	h.register <- s
	return s
}

func waitForMessages(t *testing.T, c *fakeConn, n int, timeout time.Duration) []fakeMsg {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := c.messages()
	t.Fatalf("expected at least %d messages, got %d", n, len(msgs))
	return msgs
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}

func TestMailboxKeepsOnlyLatest(t *testing.T) {
	m := newMailbox()
	a := frametest.Set("a", 1, 1, 1)
	b := frametest.Set("b", 1, 1, 2)
	c := frametest.Set("c", 1, 1, 3)

	m.offer(a)
	m.offer(b)
	m.offer(c)

	select {
	case <-m.ready:
	default:
		t.Fatal("expected ready signal")
	}
	if got := m.take(); got != c {
		t.Fatalf("take() = %v, want latest", got.Revision)
	}
	if got := m.take(); got != nil {
		t.Fatalf("second take() = %v, want nil", got.Revision)
	}
	if m.droppedCount() != 2 {
		t.Errorf("dropped = %d, want 2", m.droppedCount())
	}

	m.close()
	m.close()
	m.offer(a)
	if got := m.take(); got != nil {
		t.Error("offer after close should be ignored")
	}
}

func TestDeliverFirstRevisionSendsEverything(t *testing.T) {
	h := testHub()
	c := newFakeConn()
	s := newSession(c, h, "fake")
	fs := frametest.Set("r1", 6, 8, 1, 2)

	if err := s.deliver(context.Background(), fs); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	revs := splitRevisions(t, c.messages())
	if len(revs) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(revs))
	}
	want := MetaMessage{PageNum: 2, Width: 6, Height: 8, Pages: []int{1, 2}}
	if fmt.Sprint(revs[0].meta) != fmt.Sprint(want) {
		t.Errorf("meta = %+v, want %+v", revs[0].meta, want)
	}
	if s.last != fs {
		t.Error("last should be the delivered revision")
	}
}

func TestDeliverEmptyFirstRevisionStillSendsMetadata(t *testing.T) {
	h := testHub()
	c := newFakeConn()
	s := newSession(c, h, "fake")

	if err := s.deliver(context.Background(), frame.NewFrameSet("empty", nil)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	revs := splitRevisions(t, c.messages())
	if len(revs) != 1 || revs[0].meta.PageNum != 0 || len(revs[0].meta.Pages) != 0 {
		t.Fatalf("unexpected revisions: %+v", revs)
	}
}

func TestMetadataAlwaysCarriesPagesArray(t *testing.T) {
	data, err := json.Marshal(newMetaMessage(frame.NewFrameSet("e", nil), frame.DiffResult{}))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"page_num":0,"width":0,"height":0,"pages":[]}` {
		t.Errorf("unexpected metadata: %s", data)
	}
}

func TestDeliverUnchangedRevisionSendsNothing(t *testing.T) {
	h := testHub()
	c := newFakeConn()
	s := newSession(c, h, "fake")

	if err := s.deliver(context.Background(), frametest.Set("r1", 2, 2, 1, 2)); err != nil {
		t.Fatal(err)
	}
	same := frametest.Set("r2", 2, 2, 1, 2)
	if err := s.deliver(context.Background(), same); err != nil {
		t.Fatal(err)
	}

	if n := len(c.messages()); n != 3 {
		t.Errorf("expected 3 messages (one revision), got %d", n)
	}
	if s.last != same {
		t.Error("last should advance to the identical revision")
	}
}

func TestInterruptedDeliveryResendsInFull(t *testing.T) {
	h := testHub()
	c := newFakeConn()
	s := newSession(c, h, "fake")

	if err := s.deliver(context.Background(), frametest.Set("r1", 2, 2, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}

	// Metadata plus one payload succeed, the second payload fails.
	c.setFailAfter(len(c.messages()) + 2)
	next := frametest.Set("r2", 2, 2, 1, 7, 8)
	if err := s.deliver(context.Background(), next); !errors.Is(err, errWrite) {
		t.Fatalf("deliver error = %v, want write failure", err)
	}
	if s.last != nil {
		t.Fatal("a partially delivered revision must leave the session unsynced")
	}

	c.setFailAfter(-1)
	before := len(c.messages())
	if err := s.deliver(context.Background(), next); err != nil {
		t.Fatal(err)
	}

	revs := splitRevisions(t, c.messages()[before:])
	if len(revs) != 1 {
		t.Fatalf("expected one resent revision, got %d", len(revs))
	}
	if fmt.Sprint(revs[0].meta.Pages) != "[1 2 3]" {
		t.Errorf("resend pages = %v, want all pages", revs[0].meta.Pages)
	}
}

func TestFreshAndSyncedSessionsConverge(t *testing.T) {
	h := testHub()
	rev1 := frametest.Set("r1", 3, 3, 1, 2, 3)
	rev2 := frametest.Set("r2", 3, 3, 1, 9, 3, 4)

	synced := newFakeConn()
	s1 := newSession(synced, h, "synced")
	fresh := newFakeConn()
	s2 := newSession(fresh, h, "fresh")

	for _, fs := range []*frame.FrameSet{rev1, rev2, rev2} {
		if err := s1.deliver(context.Background(), fs); err != nil {
			t.Fatal(err)
		}
	}
	for _, fs := range []*frame.FrameSet{rev2, rev2} {
		if err := s2.deliver(context.Background(), fs); err != nil {
			t.Fatal(err)
		}
	}

	var a, b viewer
	for _, r := range splitRevisions(t, synced.messages()) {
		a.apply(t, r)
	}
	for _, r := range splitRevisions(t, fresh.messages()) {
		b.apply(t, r)
	}
	if !a.matches(rev2) || !b.matches(rev2) {
		t.Fatal("both viewers should display revision 2")
	}

	syncedRevs := splitRevisions(t, synced.messages())
	if got := syncedRevs[len(syncedRevs)-1].meta.Pages; fmt.Sprint(got) != "[2 4]" {
		t.Errorf("synced session second revision pages = %v, want [2 4]", got)
	}
}

func TestFailingSessionDoesNotAffectOthers(t *testing.T) {
	h := testHub()
	runHub(t, h)

	bad := newFakeConn()
	bad.setFailAfter(0)
	good := newFakeConn()
	addFakeSession(t, h, bad)
	addFakeSession(t, h, good)
	waitForClientCount(t, h, 2, time.Second)

	fs := frametest.Set("r1", 2, 2, 1, 2)
	h.Publish(fs)

	msgs := waitForMessages(t, good, 3, time.Second)
	var v viewer
	for _, r := range splitRevisions(t, msgs) {
		v.apply(t, r)
	}
	if !v.matches(fs) {
		t.Error("healthy viewer did not receive the revision")
	}
	waitForClientCount(t, h, 1, time.Second)
}

func TestSlowViewerDoesNotBlockPublish(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := newFakeConn()
	slow.block = make(chan struct{})
	addFakeSession(t, h, slow)
	waitForClientCount(t, h, 1, time.Second)

	var last *frame.FrameSet
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			last = frametest.Set(fmt.Sprintf("r%d", i), 2, 2, byte(i))
			h.Publish(last)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow viewer")
	}

	close(slow.block)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var v viewer
		for _, r := range splitRevisions(t, slow.messages()) {
			v.apply(t, r)
		}
		if v.matches(last) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("slow viewer never caught up to the latest revision")
}

func TestLateSessionGetsLatestImmediately(t *testing.T) {
	h := testHub()
	runHub(t, h)

	fs := frametest.Set("r1", 2, 2, 5, 6)
	h.Publish(fs)

	c := newFakeConn()
	addFakeSession(t, h, c)

	msgs := waitForMessages(t, c, 3, time.Second)
	revs := splitRevisions(t, msgs)
	if revs[0].meta.PageNum != 2 || fmt.Sprint(revs[0].meta.Pages) != "[1 2]" {
		t.Errorf("unexpected first delivery: %+v", revs[0].meta)
	}
}

func TestForEachSessionAndInfo(t *testing.T) {
	h := testHub()
	runHub(t, h)

	addFakeSession(t, h, newFakeConn())
	addFakeSession(t, h, newFakeConn())
	waitForClientCount(t, h, 2, time.Second)

	seen := 0
	h.ForEachSession(func(s *Session) {
		seen++
		if s.ID() == "" {
			t.Error("session without id")
		}
	})
	if seen != 2 {
		t.Errorf("visited %d sessions, want 2", seen)
	}
	if infos := h.Sessions(); len(infos) != 2 || infos[0].Remote != "fake" {
		t.Errorf("unexpected infos: %+v", infos)
	}
}

// --- websocket transport ---

func startServer(t *testing.T, h *Hub) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)
	return fmt.Sprintf("ws://%s/ws", server.URL[7:])
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn.SetReadLimit(64 << 20)
	return conn
}

func readRevision(t *testing.T, conn *websocket.Conn) revision {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text metadata, got %v", typ)
	}
	var r revision
	if err := json.Unmarshal(data, &r.meta); err != nil {
		t.Fatalf("failed to unmarshal metadata: %v", err)
	}
	for range r.meta.Pages {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read payload: %v", err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("expected binary payload, got %v", typ)
		}
		r.payloads = append(r.payloads, data)
	}
	return r
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := New(Options{Token: validToken})
			runHub(t, hub)

			url := startServer(t, hub)
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestBearerTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"
	hub := New(Options{Token: validToken})
	runHub(t, hub)
	url := startServer(t, hub)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid bearer", "Bearer " + validToken, http.StatusSwitchingProtocols},
		{"lowercase scheme", "bearer " + validToken, http.StatusSwitchingProtocols},
		{"wrong bearer", "Bearer nope", http.StatusUnauthorized},
		{"prefix of token", "Bearer secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": []string{tt.header}},
			})
			dialCancel()

			if resp == nil {
				t.Fatalf("no handshake response: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestAuthorized(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		target string
		header string
		want   bool
	}{
		{"no token configured", "", "/ws", "", true},
		{"query match", "abc", "/ws?token=abc", "", true},
		{"query mismatch", "abc", "/ws?token=abd", "", false},
		{"header match", "abc", "/ws", "Bearer abc", true},
		{"header mismatch falls back to query", "abc", "/ws?token=abc", "Bearer x", true},
		{"other scheme", "abc", "/ws", "Basic abc", false},
		{"missing", "abc", "/ws", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := Authorized(r, tt.token); got != tt.want {
				t.Errorf("Authorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientLifecycle(t *testing.T) {
	hub := testHub()
	runHub(t, hub)
	url := startServer(t, hub)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	// Viewer chatter is ignored rather than treated as an error.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), time.Second)
	err := conn.Write(writeCtx, websocket.MessageText, []byte(`{"type":"hello"}`))
	writeCancel()
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("viewer message should not disconnect the session")
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, hub, 0, time.Second)
}

func TestPreviewScenarioOverWebSocket(t *testing.T) {
	hub := testHub()
	runHub(t, hub)
	url := startServer(t, hub)

	rev1 := frametest.Set("r1", 600, 800, 10, 20)
	hub.Publish(rev1)

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var v viewer

	first := readRevision(t, conn)
	if first.meta.PageNum != 2 || first.meta.Width != 600 || first.meta.Height != 800 {
		t.Fatalf("unexpected metadata: %+v", first.meta)
	}
	if len(first.payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(first.payloads))
	}
	for i, p := range first.payloads {
		if len(p) != 1920000 {
			t.Errorf("payload %d is %d bytes, want 1920000", i+1, len(p))
		}
	}
	v.apply(t, first)

	// Only page 2 changes.
	rev2 := frametest.Set("r2", 600, 800, 10, 21)
	hub.Publish(rev2)
	second := readRevision(t, conn)
	if fmt.Sprint(second.meta.Pages) != "[2]" || second.meta.PageNum != 2 {
		t.Fatalf("expected only page 2, got %+v", second.meta)
	}
	v.apply(t, second)
	if !v.matches(rev2) {
		t.Fatal("viewer out of sync after partial update")
	}

	// Identical content is skipped; the next real change arrives next.
	hub.Publish(frametest.Set("r3", 600, 800, 10, 21))
	rev4 := frametest.Set("r4", 600, 800, 10, 21, 30)
	hub.Publish(rev4)
	third := readRevision(t, conn)
	if fmt.Sprint(third.meta.Pages) != "[3]" || third.meta.PageNum != 3 {
		t.Fatalf("expected page 3 to be added, got %+v", third.meta)
	}
	v.apply(t, third)

	// Shrink from three pages to one.
	rev5 := frametest.Set("r5", 600, 800, 10)
	hub.Publish(rev5)
	fourth := readRevision(t, conn)
	if fourth.meta.PageNum != 1 || len(fourth.meta.Pages) != 0 {
		t.Fatalf("expected page_num 1 with no payloads, got %+v", fourth.meta)
	}
	v.apply(t, fourth)
	if !v.matches(rev5) {
		t.Fatal("viewer should hold exactly one page")
	}
}

func TestClosedViewerDoesNotStopOthers(t *testing.T) {
	hub := testHub()
	runHub(t, hub)
	url := startServer(t, hub)

	gone := dial(t, url)
	stays := dial(t, url)
	defer stays.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, hub, 2, time.Second)

	gone.Close(websocket.StatusNormalClosure, "")
	fs := frametest.Set("r1", 4, 4, 1, 2)
	hub.Publish(fs)

	var v viewer
	v.apply(t, readRevision(t, stays))
	if !v.matches(fs) {
		t.Fatal("remaining viewer did not get the revision")
	}
	waitForClientCount(t, hub, 1, time.Second)
}

func TestConnectionBeforeRun(t *testing.T) {
	hub := testHub()
	hub.Publish(frametest.Set("r1", 2, 2, 1))
	url := startServer(t, hub)

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	runHub(t, hub)

	r := readRevision(t, conn)
	if r.meta.PageNum != 1 {
		t.Errorf("expected queued viewer to get the current revision, got %+v", r.meta)
	}
}

func TestHighClientCountShutdown(t *testing.T) {
	hub := testHub()

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	url := startServer(t, hub)

	numClients := 12
	var conns []*websocket.Conn
	for i := 0; i < numClients; i++ {
		conns = append(conns, dial(t, url))
	}

	waitForClientCount(t, hub, numClients, 2*time.Second)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}

	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
