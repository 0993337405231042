package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionState is the state of the realtime connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateReconnecting is reported while the backoff timer runs after a
	// lost connection.
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ReconnectConfig controls automatic reconnection after a lost connection.
type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int // 0 means unlimited
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *ReconnectConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// DefaultReconnectConfig is used unless WithReconnect is given.
var DefaultReconnectConfig = ReconnectConfig{
	Enabled:     true,
	MaxAttempts: 10,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

const (
	defaultHeartbeatInterval     = 30 * time.Second
	defaultBackgroundGracePeriod = 10 * time.Second
	heartbeatWriteTimeout        = 10 * time.Second
)

type webSocketConfig struct {
	reconnect         ReconnectConfig
	heartbeatInterval time.Duration
	gracePeriod       time.Duration
	httpClient        *http.Client
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	clock       clock.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(clk clock.Clock, cfg ReconnectConfig) *reconnector {
	return &reconnector{
		clock:       clk,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = r.clock.Now()
	r.mu.Unlock()
}

// nextDelay returns an exponential delay with up to 50% jitter. A
// connection that stayed up for a minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// WebSocket
// ============================================================================

// errDisconnected is returned by a Connect that lost the race with Disconnect.
var errDisconnected = errors.New("websocket: disconnected while connecting")

// WebSocket is the client's single realtime connection.
type WebSocket struct {
	cfg     webSocketConfig
	clock   clock.Clock
	logger  Logger
	metrics *metrics
	recon   *reconnector
	group   singleflight.Group

	// dialURL builds the connect URL from the client's current user and token.
	dialURL func() (string, error)
	// onEvent receives every decoded event, in arrival order.
	onEvent func(Event)
	// onStateChange receives every state transition.
	onStateChange func(ConnectionState)
	// recoverLost reports whether a lost connection must be recovered on
	// the next connect. Nil means always.
	recoverLost func() bool

	mu               sync.Mutex
	state            ConnectionState
	conn             *websocket.Conn
	connectionID     string
	intentionalClose bool
	needsRecovery    bool
	cancelFn         context.CancelFunc
	backgroundTimer  *clock.Timer
	backgroundGen    uint64
	reconnectTimer   *clock.Timer
	// resetGen counts detaches. A dial started in an older generation is
	// abandoned.
	resetGen uint64
}

func newWebSocket(cfg webSocketConfig, clk clock.Clock, logger Logger, m *metrics) *WebSocket {
	cfg.reconnect.defaults()
	if cfg.heartbeatInterval == 0 {
		cfg.heartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.gracePeriod == 0 {
		cfg.gracePeriod = defaultBackgroundGracePeriod
	}
	if cfg.httpClient == nil {
		cfg.httpClient = http.DefaultClient
	}
	return &WebSocket{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		metrics: m,
		recon:   newReconnector(clk, cfg.reconnect),
	}
}

// State returns the current connection state.
func (ws *WebSocket) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// IsConnected reports whether the socket is connected.
func (ws *WebSocket) IsConnected() bool {
	return ws.State() == StateConnected
}

// ConnectionID returns the server-issued id of the current connection, or
// "" when not connected.
func (ws *WebSocket) ConnectionID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.connectionID
}

// NeedsRecovery reports whether a lost connection is waiting to be
// recovered by the next successful connect.
func (ws *WebSocket) NeedsRecovery() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.needsRecovery
}

// Connect dials the server unless already connected. Concurrent callers
// share a single dial and its result.
func (ws *WebSocket) Connect(ctx context.Context) error {
	return ws.connect(ctx, ws.generation())
}

// generation returns the current reset generation.
func (ws *WebSocket) generation() uint64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.resetGen
}

// connect dials on behalf of a caller that observed generation gen. If the
// socket was detached since, it returns errDisconnected without dialing.
func (ws *WebSocket) connect(ctx context.Context, gen uint64) error {
	if ws.IsConnected() {
		return nil
	}
	_, err, _ := ws.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, ws.dial(ctx, gen)
	})
	return err
}

func (ws *WebSocket) dial(ctx context.Context, gen uint64) error {
	ws.mu.Lock()
	if gen != ws.resetGen {
		ws.mu.Unlock()
		ws.metrics.connect("aborted")
		return errDisconnected
	}
	if ws.state == StateConnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.stopReconnectTimerLocked()
	ws.mu.Unlock()
	ws.notifyState(StateConnecting)

	u, err := ws.dialURL()
	if err != nil {
		return ws.failConnect(gen, fmt.Errorf("websocket url: %w", err))
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: ws.cfg.httpClient})
	if err != nil {
		return ws.failConnect(gen, fmt.Errorf("websocket dial: %w", err))
	}

	// The first event is a health check carrying the connection id.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return ws.failConnect(gen, fmt.Errorf("read health check: %w", err))
	}
	first, err := decodeEvent(data)
	if err != nil || first.Type != EventHealthCheck || first.ConnectionID == "" {
		conn.Close(websocket.StatusPolicyViolation, "")
		return ws.failConnect(gen, fmt.Errorf("expected %q with a connection id, got %q", EventHealthCheck, first.Type))
	}

	ws.mu.Lock()
	if ws.intentionalClose || gen != ws.resetGen {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		ws.metrics.connect("aborted")
		return errDisconnected
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connectionID = first.ConnectionID
	ws.state = StateConnected
	ws.cancelFn = cancel
	recovered := ws.needsRecovery
	ws.needsRecovery = false
	ws.mu.Unlock()

	ws.recon.markConnected()
	ws.metrics.connect("success")
	ws.logger.Log("websocket connected", "connection_id", first.ConnectionID)
	ws.notifyState(StateConnected)

	ws.emit(first)
	if recovered {
		ws.emit(Event{Type: EventConnectionRecovered, ConnectionID: first.ConnectionID, Me: first.Me})
	}

	go ws.readLoop(loopCtx, conn)
	go ws.heartbeatLoop(loopCtx, conn)
	return nil
}

// failConnect ends a failed dial. A dial from an older generation leaves
// the state to whoever detached or redialed since.
func (ws *WebSocket) failConnect(gen uint64, err error) error {
	ws.mu.Lock()
	current := gen == ws.resetGen
	if current {
		ws.state = StateDisconnected
	}
	ws.mu.Unlock()
	ws.metrics.connect("failure")
	ws.logger.LogError(err)
	if current {
		ws.notifyState(StateDisconnected)
	}
	return err
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WebSocket) Disconnect() {
	ws.disconnect(false, "client disconnect")
}

// Close disconnects and reports the error of the close handshake.
func (ws *WebSocket) Close() error {
	conn, stop := ws.detach(false)
	if conn == nil {
		return nil
	}
	return closeConn(conn, stop, "client close")
}

// disconnect closes the connection. With recoverable set, a live
// connection is flagged for recovery on the next connect.
func (ws *WebSocket) disconnect(recoverable bool, reason string) {
	conn, stop := ws.detach(recoverable)
	if conn != nil {
		ws.logger.Log("websocket disconnected", "reason", reason)
		go closeConn(conn, stop, reason)
	}
}

// detach forgets the current connection and returns it with the function
// that stops its loops. The caller closes it.
func (ws *WebSocket) detach(recoverable bool) (*websocket.Conn, context.CancelFunc) {
	ws.mu.Lock()
	ws.intentionalClose = true
	ws.resetGen++
	if recoverable && ws.connectionID != "" {
		ws.needsRecovery = true
	}
	ws.stopBackgroundTimerLocked()
	ws.stopReconnectTimerLocked()
	conn, stop := ws.conn, ws.cancelFn
	ws.conn = nil
	ws.cancelFn = nil
	ws.connectionID = ""
	changed := ws.state != StateDisconnected
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.recon.reset()
	if changed {
		ws.notifyState(StateDisconnected)
	}
	return conn, stop
}

// closeConn runs the close handshake, then stops the connection's loops.
// Cancelling the read context first would abort the handshake.
func closeConn(conn *websocket.Conn, stop context.CancelFunc, reason string) error {
	if stop != nil {
		defer stop()
	}
	err := conn.Close(websocket.StatusNormalClosure, reason)
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		return err
	}
	return nil
}

// DisconnectInBackground disconnects after the grace period unless
// CancelBackgroundWork is called first.
func (ws *WebSocket) DisconnectInBackground() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.state != StateConnected || ws.backgroundTimer != nil {
		return
	}
	ws.backgroundGen++
	gen := ws.backgroundGen
	ws.backgroundTimer = ws.clock.AfterFunc(ws.cfg.gracePeriod, func() {
		ws.mu.Lock()
		if gen != ws.backgroundGen {
			ws.mu.Unlock()
			return
		}
		ws.backgroundTimer = nil
		ws.mu.Unlock()
		ws.disconnect(true, "background grace period elapsed")
	})
	ws.logger.Log("websocket background grace period started", "period", ws.cfg.gracePeriod)
}

// CancelBackgroundWork stops a pending background disconnect.
func (ws *WebSocket) CancelBackgroundWork() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.stopBackgroundTimerLocked()
}

// backgroundPending reports whether a background disconnect is scheduled.
func (ws *WebSocket) backgroundPending() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.backgroundTimer != nil
}

func (ws *WebSocket) stopBackgroundTimerLocked() {
	ws.backgroundGen++
	if ws.backgroundTimer != nil {
		ws.backgroundTimer.Stop()
		ws.backgroundTimer = nil
	}
}

func (ws *WebSocket) stopReconnectTimerLocked() {
	if ws.reconnectTimer != nil {
		ws.reconnectTimer.Stop()
		ws.reconnectTimer = nil
	}
}

// ============================================================================
// Loops
// ============================================================================

func (ws *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.connectionLost(conn, err)
			return
		}
		ev, err := decodeEvent(data)
		if err != nil {
			ws.logger.LogError(fmt.Errorf("decode event: %w", err))
			continue
		}
		ws.emit(ev)
	}
}

func (ws *WebSocket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := ws.clock.Ticker(ws.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(healthCheckCommand{Type: EventHealthCheck, ClientID: ws.ConnectionID()})
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, heartbeatWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					ws.logger.LogError(fmt.Errorf("heartbeat: %w", err))
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

// connectionLost handles a read failure on conn. Failures of a connection
// that was closed on purpose, or already replaced, are ignored.
func (ws *WebSocket) connectionLost(conn *websocket.Conn, err error) {
	recoverable := ws.recoverLost == nil || ws.recoverLost()

	ws.mu.Lock()
	if ws.conn != conn || ws.intentionalClose {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	ws.connectionID = ""
	if recoverable {
		ws.needsRecovery = true
	}
	ws.state = StateDisconnected
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.mu.Unlock()

	ws.logger.LogError(fmt.Errorf("websocket connection lost: %w", err))
	ws.notifyState(StateDisconnected)

	if ws.cfg.reconnect.Enabled && ws.recon.shouldReconnect() {
		ws.scheduleReconnect()
	}
}

func (ws *WebSocket) scheduleReconnect() {
	delay := ws.recon.nextDelay()

	ws.mu.Lock()
	if ws.intentionalClose || ws.state != StateDisconnected {
		ws.mu.Unlock()
		return
	}
	ws.state = StateReconnecting
	ws.stopReconnectTimerLocked()
	ws.reconnectTimer = ws.clock.AfterFunc(delay, func() {
		if err := ws.Connect(context.Background()); err != nil && !errors.Is(err, errDisconnected) {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if !intentional && ws.cfg.reconnect.Enabled && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
		}
	})
	ws.mu.Unlock()

	ws.logger.Log("websocket reconnecting", "delay", delay)
	ws.notifyState(StateReconnecting)
}

func (ws *WebSocket) emit(ev Event) {
	if ws.onEvent != nil {
		ws.onEvent(ev)
	}
}

func (ws *WebSocket) notifyState(s ConnectionState) {
	ws.metrics.state(s)
	if ws.onStateChange != nil {
		ws.onStateChange(s)
	}
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}
