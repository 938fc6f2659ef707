package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/retry"
)

// Phase is the transport readiness tri-state polled by the camera-start
// path.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionState is the transport status surfaced to the UI boundary.
type ConnectionState struct {
	Phase            Phase
	ReconnectAttempt int
}

// Handler receives the raw JSON payload of an inbound message.
type Handler func(payload json.RawMessage)

// WildcardHandler sees every inbound message, for logging/telemetry.
type WildcardHandler func(msgType string, payload json.RawMessage)

// LivenessFlag supplies the current liveness setting for the config flush
// on connect. Read at flush time, never cached.
type LivenessFlag interface {
	SpoofDetectionEnabled() bool
}

// Transport is a persistent, reconnecting websocket channel to the
// detection service. Outbound frames are binary; control messages and
// inbound events are JSON dispatched by their type discriminator.
//
// On unexpected close it schedules reconnection with exponential backoff
// derived from the shared retry policy, abandoning after the policy's
// attempt budget. An intentional Close never reconnects.
type Transport struct {
	addr      string
	path      string
	clientID  string
	keepalive time.Duration
	policy    retry.Policy
	liveness  LivenessFlag
	logger    *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	phase      Phase
	attempt    int
	connecting chan struct{} // non-nil while a connect is in flight
	closed     bool
	connDone   chan struct{} // closed when the current connection's loops must exit
	timer      *time.Timer

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]Handler
	wildcards []WildcardHandler
	onAbandon func(error)
}

// NewTransport creates a transport for the given stream endpoint. The
// per-process client id identifies this connection to the service across
// reconnects.
func NewTransport(addr, path string, keepalive time.Duration, policy retry.Policy, liveness LivenessFlag, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.L()
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	if path == "" {
		path = "/stream"
	}
	return &Transport{
		addr:      addr,
		path:      path,
		clientID:  uuid.NewString(),
		keepalive: keepalive,
		policy:    policy,
		liveness:  liveness,
		logger:    logger.Named("transport"),
		handlers:  make(map[string][]Handler),
	}
}

// ClientID returns the per-process connection identity.
func (t *Transport) ClientID() string { return t.clientID }

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConnectionState{Phase: t.phase, ReconnectAttempt: t.attempt}
}

// OnMessage registers a handler for inbound messages of the given type.
func (t *Transport) OnMessage(msgType string, h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers[msgType] = append(t.handlers[msgType], h)
}

// OnAny registers a wildcard handler that sees every inbound message.
func (t *Transport) OnAny(h WildcardHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.wildcards = append(t.wildcards, h)
}

// OnAbandon registers the callback invoked once reconnection is given up
// after the attempt budget is spent.
func (t *Transport) OnAbandon(fn func(error)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.onAbandon = fn
}

// Connect establishes the connection. Idempotent: a second call while a
// connect is in flight waits for that same attempt; a call on an open
// transport returns immediately.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.phase == PhaseConnected {
		t.mu.Unlock()
		return nil
	}
	if t.connecting != nil {
		// Join the in-flight connect instead of racing a second dial.
		waitCh := t.connecting
		t.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		if t.State().Phase == PhaseConnected {
			return nil
		}
		return fmt.Errorf("connect failed")
	}
	waitCh := make(chan struct{})
	t.connecting = waitCh
	t.phase = PhaseConnecting
	t.mu.Unlock()

	err := t.dial(ctx)

	t.mu.Lock()
	t.connecting = nil
	close(waitCh)
	t.mu.Unlock()
	return err
}

func (t *Transport) dial(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: t.addr, Path: t.path,
		RawQuery: "client_id=" + url.QueryEscape(t.clientID)}
	t.logger.Info("connecting to detection stream", zap.String("url", u.String()))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		t.mu.Lock()
		t.phase = PhaseDisconnected
		t.mu.Unlock()
		t.scheduleReconnect(fmt.Errorf("dial failed: %w", err))
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.phase = PhaseConnected
	t.attempt = 0
	t.connDone = done
	t.mu.Unlock()

	t.logger.Info("detection stream connected")

	go t.readLoop(conn, done)
	go t.keepaliveLoop(conn, done)

	// Flush current feature flags so the service configures this session
	// before the first frame arrives.
	if err := t.flushConfig(); err != nil {
		t.logger.Warn("config flush failed", zap.Error(err))
	}
	return nil
}

func (t *Transport) flushConfig() error {
	enableLiveness := false
	if t.liveness != nil {
		enableLiveness = t.liveness.SpoofDetectionEnabled()
	}
	return t.SendJSON(configMessage{
		Type:                    TypeConfig,
		EnableLivenessDetection: enableLiveness,
	})
}

// readLoop dispatches inbound messages until the connection dies.
func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, done, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		t.dispatch(payload)
	}
}

func (t *Transport) dispatch(payload []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		t.logger.Warn("undecodable message from service", zap.ByteString("payload", payload))
		return
	}

	t.handlerMu.RLock()
	handlers := t.handlers[envelope.Type]
	wildcards := t.wildcards
	t.handlerMu.RUnlock()

	for _, h := range wildcards {
		h(envelope.Type, payload)
	}
	for _, h := range handlers {
		h(payload)
	}
}

// keepaliveLoop pings the service on a fixed interval so intermediaries
// keep the connection alive.
func (t *Transport) keepaliveLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ping := pingMessage{
				Type:      TypePing,
				ClientID:  t.clientID,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := t.SendJSON(ping); err != nil {
				t.logger.Debug("keepalive send failed", zap.Error(err))
				return
			}
		}
	}
}

// handleClose tears down the dead connection and, unless the close was
// intentional, schedules a reconnect.
func (t *Transport) handleClose(conn *websocket.Conn, done chan struct{}, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// A newer connection already replaced this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.phase = PhaseDisconnected
	closed := t.closed
	close(done)
	t.mu.Unlock()

	conn.Close()

	if closed || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Info("detection stream closed")
		return
	}

	t.logger.Warn("detection stream closed unexpectedly", zap.Error(cause))
	t.scheduleReconnect(cause)
}

// scheduleReconnect arms the backoff timer for the next attempt, following
// min(base * 2^attempt, max) and abandoning after the attempt budget.
func (t *Transport) scheduleReconnect(cause error) {
	t.mu.Lock()
	if t.closed || t.timer != nil || t.phase == PhaseConnected {
		t.mu.Unlock()
		return
	}
	attempt := t.attempt
	if t.policy.Exhausted(attempt) {
		t.mu.Unlock()
		err := fmt.Errorf("reconnection abandoned after %d attempts: %w", attempt, cause)
		t.logger.Error("giving up on detection stream", zap.Error(err))
		t.handlerMu.RLock()
		onAbandon := t.onAbandon
		t.handlerMu.RUnlock()
		if onAbandon != nil {
			onAbandon(err)
		}
		return
	}
	delay := t.policy.Delay(attempt)
	t.attempt = attempt + 1
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		if err := t.Connect(context.Background()); err != nil {
			t.logger.Debug("reconnect attempt failed", zap.Error(err))
		}
	})
	t.mu.Unlock()

	t.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// SendFrame writes one binary JPEG frame.
func (t *Transport) SendFrame(payload []byte) error {
	return t.write(websocket.BinaryMessage, payload)
}

// SendJSON writes one JSON control message.
func (t *Transport) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return t.write(websocket.TextMessage, b)
}

func (t *Transport) write(msgType int, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	// gorilla/websocket allows one concurrent writer only.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(msgType, payload); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close shuts the transport down for good. Reconnect timers are cleared and
// no further connection attempts are made.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Best-effort clean close so the peer does not count this as an
		// unexpected drop.
		t.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		t.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
