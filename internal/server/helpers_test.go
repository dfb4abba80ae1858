package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/auth"
	"github.com/Tyrowin/collabhub/internal/metrics"
	"github.com/Tyrowin/collabhub/internal/realtime"
	"github.com/Tyrowin/collabhub/internal/store"
)

const (
	testSecret  = "test-secret"
	readTimeout = 2 * time.Second
)

var (
	alice = store.User{ID: 1, Username: "alice", FullName: "Alice Doe", Role: "user", Active: true}
	bob   = store.User{ID: 2, Username: "bob", FullName: "Bob Roe", Role: "user", Active: true}
	carol = store.User{ID: 3, Username: "carol", FullName: "Carol Poe", Role: roleMaster, Active: true}
	dave  = store.User{ID: 4, Username: "dave", FullName: "Dave Loe", Role: roleCoordinator, Active: true}
	eve   = store.User{ID: 5, Username: "eve", FullName: "Eve Inactive", Role: "user", Active: false}
)

type testEnv struct {
	cfg     *Config
	store   *store.Memory
	hub     *realtime.Hub
	server  *Server
	metrics *metrics.Collectors
	http    *httptest.Server
}

// newTestEnv wires a full server on an in-memory store. customize may adjust
// the configuration before anything is built.
func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := NewConfig()
	cfg.Auth.Secret = testSecret
	cfg.APIRateLimit = RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	if customize != nil {
		customize(cfg)
	}
	mem := store.NewMemory(alice, bob, carol, dave, eve)

	verifier, err := auth.NewVerifier(auth.Options{Secret: []byte(cfg.Auth.Secret), Alg: cfg.Auth.Algorithm}, mem)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	m := metrics.New()
	hub, err := realtime.NewHub(cfg.HubConfig(), realtime.Deps{
		Verifier: verifier,
		Messages: mem,
		Users:    mem,
		Metrics:  m,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	srv, err := New(cfg, Deps{Hub: hub, Store: mem, Verifier: verifier, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := &testEnv{cfg: cfg, store: mem, hub: hub, server: srv, metrics: m}
	env.http = httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = hub.Shutdown(readTimeout)
		env.http.Close()
	})
	return env
}

func tokenFor(t *testing.T, u store.User) string {
	t.Helper()
	token, _, err := auth.Issue(auth.Options{Secret: []byte(testSecret)}, u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// dial opens a session for u and consumes the frames sent on connect.
func (e *testEnv) dial(t *testing.T, u store.User) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL("/ws/"+tokenFor(t, u)), nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", u.Username, err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	expectEvent(t, conn, "connection")
	expectEvent(t, conn, "online_users")
	expectEvent(t, conn, "message_history")
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// expectEvent reads frames until one of type typ arrives, skipping presence
// traffic from other sessions.
func expectEvent(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if ev["type"] == typ {
			return ev
		}
	}
}

// expectClose reads until the connection ends and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return -1
		}
	}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}
