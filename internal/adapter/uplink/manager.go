package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tabrelay/internal/domain"
)

// State is the uplink connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 1 << 20
	// writeTimeout bounds a single outbound write so Send never blocks
	// indefinitely on a stalled transport.
	writeTimeout = 5 * time.Second
)

// Options holds the uplink connection settings.
type Options struct {
	Endpoint             string
	FallbackEndpoint     string
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
}

// connectFuture is the shared outcome of the single in-flight connect
// attempt. Concurrent Connect callers join it instead of opening a second
// transport.
type connectFuture struct {
	done chan struct{}
	err  error
}

// Manager owns the persistent WebSocket to the control server: connect,
// disconnect, reconnect, heartbeat, and the raw send/receive paths. At most
// one underlying transport is live at any time.
type Manager struct {
	opts       Options
	clientID   string
	dispatcher *Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	pending       *connectFuture
	attempts      int
	suppress      bool // explicit disconnect: no automatic reconnect
	heartbeatStop chan struct{}
	gen           uint64 // connection generation, guards stale read loops

	writeMu sync.Mutex
}

// NewManager creates an uplink manager. The client id identifies this
// process in register and heartbeat frames for its whole lifetime.
func NewManager(opts Options, dispatcher *Dispatcher, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		opts:       opts,
		clientID:   domain.NewID(),
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
	}
}

// ClientID returns the stable client identifier.
func (m *Manager) ClientID() string { return m.clientID }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect establishes the uplink. It is idempotent: while already
// connecting, the caller joins the pending attempt and receives its
// outcome; while connected it returns nil without touching the transport.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateClosing:
		m.mu.Unlock()
		return domain.ErrUplinkClosing
	case StateConnecting:
		f := m.pending
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f := &connectFuture{done: make(chan struct{})}
	m.pending = f
	m.state = StateConnecting
	m.suppress = false
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	m.pending = nil
	if err != nil {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

// dial performs one handshake, trying the primary endpoint and then the
// fallback. A handshake that does not complete within ConnectTimeout is
// treated as failed; the dial context tear-down closes the half-open
// transport.
func (m *Manager) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, endpoint, err := m.dialEndpoints(dctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewDomainError("Uplink.Connect", domain.ErrConnectTimeout, m.opts.Endpoint)
		}
		m.logger.Warn("uplink connect failed", "error", err)
		m.publish(domain.EventUplinkFailed, failedPayload{Error: err.Error()})
		return err
	}
	conn.SetReadLimit(maxFrameBytes)

	m.mu.Lock()
	m.state = StateConnected
	m.conn = conn
	m.attempts = 0
	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.logger.Info("uplink connected", "endpoint", endpoint, "client_id", m.clientID)
	m.publish(domain.EventUplinkOpened, openedPayload{Endpoint: endpoint})

	// Registration handshake: fire-and-forget, further sends do not wait
	// for the ack.
	m.Send(domain.RegisterFrame(m.clientID))

	go m.heartbeatLoop(stop)
	go m.readLoop(conn, gen)
	return nil
}

func (m *Manager) dialEndpoints(ctx context.Context) (*websocket.Conn, string, error) {
	endpoints := []string{m.opts.Endpoint}
	if m.opts.FallbackEndpoint != "" {
		endpoints = append(endpoints, m.opts.FallbackEndpoint)
	}

	var errs []error
	for _, ep := range endpoints {
		conn, _, err := websocket.Dial(ctx, ep, nil)
		if err == nil {
			return conn, ep, nil
		}
		errs = append(errs, domain.WrapOp("dial "+ep, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

// Disconnect cleanly closes the uplink. Calling it while not connected is
// a no-op. A clean close never triggers reconnection, regardless of the
// attempt counter.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		m.logger.Debug("disconnect: uplink not connected, nothing to do")
		return
	}
	m.suppress = true
	m.state = StateClosing
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	conn := m.conn
	m.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "client disconnect")
	// The read loop observes the close and finishes the state transition.
}

// Send serializes and transmits a frame if connected. It returns false —
// and only logs — when the uplink is down or the write fails; it never
// blocks beyond the write timeout and never panics.
func (m *Manager) Send(frame domain.Frame) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Warn("send dropped: uplink not connected", "kind", string(frame.Kind))
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error("send dropped: marshal failed", "kind", string(frame.Kind), "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	m.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("send failed", "kind", string(frame.Kind), "error", err)
		return false
	}
	return true
}

// heartbeatLoop emits liveness frames while connected. It stops as soon as
// the connection leaves the Connected state. Heartbeat delivery failures
// are ordinary send failures; dead-peer detection is left to the transport
// close event.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Send(domain.HeartbeatFrame(m.clientID))
		}
	}
}

// readLoop pumps inbound frames into the dispatcher until the transport
// dies.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}
		m.dispatcher.Dispatch(context.Background(), data)
	}
}

// handleClose finishes the transition out of Connected after the read loop
// fails, and decides whether the close warrants reconnection.
func (m *Manager) handleClose(conn *websocket.Conn, gen uint64, cause error) {
	code := websocket.CloseStatus(cause)

	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		// A newer connection has already replaced this one.
		m.mu.Unlock()
		return
	}
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	m.conn = nil
	m.state = StateDisconnected
	clean := code == websocket.StatusNormalClosure || m.suppress
	m.mu.Unlock()

	m.logger.Info("uplink closed", "code", int(code), "clean", clean)
	m.publish(domain.EventUplinkClosed, closedPayload{Code: int(code), Clean: clean})

	if !clean {
		m.scheduleReconnect()
	}
}

// scheduleReconnect retries Connect after the configured delay until the
// allowed attempts run out. Exhaustion is reported as a terminal
// uplink.failed event; the uplink then stays Disconnected until someone
// calls Connect again.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.suppress || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Error("uplink reconnect attempts exhausted",
			"attempts", m.opts.MaxReconnectAttempts)
		m.publish(domain.EventUplinkFailed, failedPayload{
			Error:    domain.ErrReconnectExhausted.Error(),
			Terminal: true,
		})
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("uplink reconnect scheduled",
		"attempt", attempt,
		"max", m.opts.MaxReconnectAttempts,
		"delay", m.opts.ReconnectDelay)

	time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		if m.suppress || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := m.Connect(context.Background()); err != nil {
			m.scheduleReconnect()
		}
	})
}

// --- event payloads ---

type openedPayload struct {
	Endpoint string `json:"endpoint"`
}

type closedPayload struct {
	Code  int  `json:"code"`
	Clean bool `json:"clean"`
}

type failedPayload struct {
	Error    string `json:"error"`
	Terminal bool   `json:"terminal,omitempty"`
}

func (m *Manager) publish(kind domain.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("event payload marshal failed", "event", string(kind), "error", err)
		return
	}
	m.bus.Publish(context.Background(), domain.Event{
		Type:      kind,
		Timestamp: time.Now(),
		Payload:   data,
	})
}
