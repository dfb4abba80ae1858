package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/collabhub/internal/metrics"
	"github.com/Tyrowin/collabhub/internal/store"
)

const waitTimeout = 2 * time.Second

// fakeConn records what the dispatcher queued on it.
type fakeConn struct {
	id     string
	userID int64
	poison bool

	mu        sync.Mutex
	payloads  [][]byte
	closed    bool
	closeCode int
}

func newFakeConn(id string, userID int64) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poison {
		return errors.New("poisoned")
	}
	if c.closed {
		return ErrConnClosed
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// fakeSocket is an in-memory Socket. Frames pushed with send are returned by
// ReadMessage; text frames written by the server arrive on out.
type fakeSocket struct {
	in  chan []byte
	out chan []byte

	// held, when set, keeps ReadMessage blocked after Close until released.
	held chan struct{}

	mu        sync.Mutex
	closeCode int
	pings     int
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	closed := s.closed
	if s.held != nil {
		closed = s.held
	}
	select {
	case data, ok := <-s.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("use of closed network connection")
	default:
	}
	s.out <- data
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.PingMessage {
		s.mu.Lock()
		s.pings++
		s.mu.Unlock()
	}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		s.mu.Lock()
		if s.closeCode == 0 {
			s.closeCode = int(binary.BigEndian.Uint16(data))
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// hangUp simulates the peer going away.
func (s *fakeSocket) hangUp() {
	close(s.in)
}

func (s *fakeSocket) send(t *testing.T, frame any) {
	t.Helper()
	var data []byte
	switch f := frame.(type) {
	case string:
		data = []byte(f)
	default:
		var err error
		if data, err = json.Marshal(f); err != nil {
			t.Fatalf("encode frame: %v", err)
		}
	}
	s.in <- data
}

func (s *fakeSocket) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSocket) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeSocket) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitTimeout):
		t.Fatal("socket was not closed")
	}
}

type frame map[string]any

func (f frame) kind() string {
	s, _ := f["type"].(string)
	return s
}

// next returns the next frame written to the peer.
func (s *fakeSocket) next(t *testing.T) frame {
	t.Helper()
	select {
	case data := <-s.out:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode server frame %q: %v", data, err)
		}
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expect returns the next frame and fails unless it has the given type.
func (s *fakeSocket) expect(t *testing.T, typ EventType) frame {
	t.Helper()
	f := s.next(t)
	if f.kind() != string(typ) {
		t.Fatalf("expected %q frame, got %v", typ, f)
	}
	return f
}

// expectQuiet fails if any frame arrives within d.
func (s *fakeSocket) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-s.out:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(d):
	}
}

// tokenVerifier accepts tokens of the form registered in ids.
type tokenVerifier struct {
	ids map[string]Identity
}

func (v tokenVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v.ids[token]
	if !ok {
		return Identity{}, errors.New("unknown token")
	}
	return id, nil
}

var (
	alice = Identity{UserID: 1, Username: "alice", FullName: "Alice Doe", Role: "padrao"}
	bob   = Identity{UserID: 2, Username: "bob", FullName: "Bob Roe", Role: "padrao"}
	carol = Identity{UserID: 3, Username: "carol", FullName: "Carol Poe", Role: "master"}
)

type testHub struct {
	*Hub
	store   *store.Memory
	metrics *metrics.Collectors
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	return newTestHubWithConfig(t, HubConfig{})
}

func newTestHubWithConfig(t *testing.T, cfg HubConfig) *testHub {
	t.Helper()
	mem := store.NewMemory()
	ids := map[string]Identity{}
	for _, id := range []Identity{alice, bob, carol} {
		mem.AddUser(store.User{ID: id.UserID, Username: id.Username, FullName: id.FullName, Role: id.Role, Active: true})
		ids[id.Username+"-token"] = id
	}
	m := metrics.New()
	h, err := NewHub(cfg, Deps{
		Verifier: tokenVerifier{ids: ids},
		Messages: mem,
		Users:    mem,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(waitTimeout) })
	return &testHub{Hub: h, store: mem, metrics: m}
}

type client struct {
	*fakeSocket
	done chan error
}

// start runs a session for token without reading anything from it.
func (h *testHub) start(token string) *client {
	return h.startOn(newFakeSocket(), token)
}

func (h *testHub) startOn(sock *fakeSocket, token string) *client {
	c := &client{fakeSocket: sock, done: make(chan error, 1)}
	go func() { c.done <- h.ServeWS(context.Background(), c.fakeSocket, token) }()
	return c
}

// connect runs a session for token and consumes its welcome frames.
func (h *testHub) connect(t *testing.T, token string) *client {
	t.Helper()
	c := h.start(token)
	c.expect(t, EventConnection)
	c.expect(t, EventOnlineUsers)
	c.expect(t, EventMessageHistory)
	return c
}

func (c *client) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

func (c *client) disconnect(t *testing.T) {
	t.Helper()
	c.hangUp()
	if err := c.wait(t); err != nil {
		t.Fatalf("session ended with error: %v", err)
	}
}
