package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/surihq/attendcam/internal/retry"
)

// streamServer is a minimal detection-service stand-in.
type streamServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	clientID string
	received [][]byte
	accepts  atomic.Int32
}

func newStreamServer(t *testing.T) *streamServer {
	s := &streamServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.clientID = r.URL.Query().Get("client_id")
		s.mu.Unlock()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, payload)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) addr() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *streamServer) lastConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *streamServer) send(t *testing.T, v any) {
	t.Helper()
	conn := s.lastConn()
	if conn == nil {
		t.Fatal("no connection to send on")
	}
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
}

func (s *streamServer) waitReceived(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.received) >= n {
			out := append([][]byte(nil), s.received...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server did not receive %d messages in time", n)
	return nil
}

func waitPhase(t *testing.T, tr *Transport, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State().Phase == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport never reached phase %v, at %v", want, tr.State().Phase)
}

func fastPolicy(maxAttempts uint64) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
}

type livenessOn struct{}

func (livenessOn) SpoofDetectionEnabled() bool { return true }

func TestConnectFlushesConfigWithClientID(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(3), livenessOn{}, nil)
	defer tr.Close()

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	server.mu.Lock()
	clientID := server.clientID
	server.mu.Unlock()
	if clientID != tr.ClientID() {
		t.Fatalf("client_id query = %q, want %q", clientID, tr.ClientID())
	}

	received := server.waitReceived(t, 1)
	var cfg configMessage
	if err := json.Unmarshal(received[0], &cfg); err != nil {
		t.Fatalf("config message undecodable: %v", err)
	}
	if cfg.Type != TypeConfig || !cfg.EnableLivenessDetection {
		t.Fatalf("expected liveness-on config flush, got %+v", cfg)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(3), nil, nil)
	defer tr.Close()

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("second connect should be a no-op, got %v", err)
	}
	if got := server.accepts.Load(); got != 1 {
		t.Fatalf("expected 1 server accept, got %d", got)
	}
}

func TestDispatchByTypeAndWildcard(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(3), nil, nil)
	defer tr.Close()

	var detections atomic.Int32
	var wildcardTypes sync.Map
	tr.OnMessage(TypeDetection, func(json.RawMessage) { detections.Add(1) })
	tr.OnAny(func(msgType string, _ json.RawMessage) { wildcardTypes.Store(msgType, true) })

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	server.send(t, map[string]any{"type": TypeDetection, "faces": []any{}})
	server.send(t, map[string]any{"type": "status", "detail": "warm"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && detections.Load() < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if detections.Load() != 1 {
		t.Fatalf("typed handler saw %d detections, want 1", detections.Load())
	}

	for _, typ := range []string{TypeDetection, "status"} {
		waitStored(t, &wildcardTypes, typ)
	}
}

func waitStored(t *testing.T, m *sync.Map, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Load(key); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wildcard handler never saw %q", key)
}

func TestReconnectAfterUnexpectedDrop(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(5), nil, nil)
	defer tr.Close()

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	// Kill the server side without a close handshake.
	server.lastConn().Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && server.accepts.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if server.accepts.Load() < 2 {
		t.Fatal("transport never reconnected after an unexpected drop")
	}
	waitPhase(t, tr, PhaseConnected)
}

func TestIntentionalCloseDoesNotReconnect(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(5), nil, nil)

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := server.accepts.Load(); got != 1 {
		t.Fatalf("intentional close must not reconnect, saw %d accepts", got)
	}
	if err := tr.Connect(t.Context()); err == nil {
		t.Fatal("connect on a closed transport should fail")
	}
}

func TestAbandonAfterAttemptBudget(t *testing.T) {
	// Nothing listens here; every dial fails.
	tr := NewTransport("127.0.0.1:1", "/stream", time.Minute, fastPolicy(2), nil, nil)
	defer tr.Close()

	abandoned := make(chan error, 1)
	tr.OnAbandon(func(err error) { abandoned <- err })

	tr.Connect(t.Context())

	select {
	case err := <-abandoned:
		if err == nil {
			t.Fatal("abandon callback should carry the cause")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("transport never abandoned reconnection")
	}
}

func TestSendFrameArrivesBinary(t *testing.T) {
	server := newStreamServer(t)
	tr := NewTransport(server.addr(), "/stream", time.Minute, fastPolicy(3), nil, nil)
	defer tr.Close()

	if err := tr.Connect(t.Context()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitPhase(t, tr, PhaseConnected)

	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0} // JPEG magic
	if err := tr.SendFrame(payload); err != nil {
		t.Fatalf("send frame failed: %v", err)
	}

	// First message is the config flush, second the frame.
	received := server.waitReceived(t, 2)
	if string(received[1]) != string(payload) {
		t.Fatalf("frame payload mangled: %v", received[1])
	}
}

func TestSendWithoutConnectionFails(t *testing.T) {
	tr := NewTransport("localhost:0", "/stream", time.Minute, fastPolicy(3), nil, nil)
	if err := tr.SendFrame([]byte{1}); err == nil {
		t.Fatal("send on a disconnected transport should fail")
	}
}
