package dchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ConnState represents the real-time connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// AckFunc receives the server's acknowledgement of an outbound event. err is
// ErrNotConnected, ErrAckTimeout or wraps ErrRejected when no positive
// acknowledgement arrived.
type AckFunc func(resp json.RawMessage, err error)

const dialTimeout = 15 * time.Second

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns the single WebSocket to the real-time server. It attaches
// the credential, reconnects within bounds, refreshes rejected credentials,
// sends heartbeats and routes inbound events to subscribers.
type ConnManager struct {
	cfg        *Config
	session    SessionProvider
	log        zerolog.Logger
	metrics    *Metrics
	emitter    *Emitter
	dispatcher *eventDispatcher
	recon      *reconnector

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	closed       bool
	everUp       bool
	authAttempts int
	cancelFn     context.CancelFunc
	lifeCtx      context.Context
	lifeCancel   context.CancelFunc

	requestSeq atomic.Uint64
	pendingMu  sync.Mutex
	pending    map[string]*pendingAck

	hooksMu      sync.Mutex
	onConnect    []func(reconnect bool)
	onDisconnect []func(err error)
}

// NewConnManager creates a standalone manager. Chat builds its own.
func NewConnManager(cfg *Config, session SessionProvider) *ConnManager {
	c := copyConfig(cfg)
	m := newConnManager(c, session, newMetrics(c.Registerer), NewEmitter())
	reportObserverPanics(m.emitter, m.log, m.metrics)
	return m
}

func copyConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	c := *cfg
	c.defaults()
	return &c
}

func newConnManager(cfg *Config, session SessionProvider, metrics *Metrics, emitter *Emitter) *ConnManager {
	if session == nil {
		session = NewTokenSession("", nil)
	}
	return &ConnManager{
		cfg:        cfg,
		session:    session,
		log:        cfg.Logger.With().Str("component", "conn").Logger(),
		metrics:    metrics,
		emitter:    emitter,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		state:      StateDisconnected,
		pending:    make(map[string]*pendingAck),
	}
}

// Subscribe installs the handler for an inbound event, replacing any handler
// already installed under that name.
func (m *ConnManager) Subscribe(event string, h EventHandler) {
	m.dispatcher.subscribe(event, h)
}

// Unsubscribe removes the handler for event.
func (m *ConnManager) Unsubscribe(event string) {
	m.dispatcher.unsubscribe(event)
}

// OnConnect registers a hook run after every successful (re)connect.
func (m *ConnManager) OnConnect(h func(reconnect bool)) {
	m.hooksMu.Lock()
	m.onConnect = append(m.onConnect, h)
	m.hooksMu.Unlock()
}

// OnDisconnect registers a hook run when a live connection is lost.
func (m *ConnManager) OnDisconnect(h func(err error)) {
	m.hooksMu.Lock()
	m.onDisconnect = append(m.onDisconnect, h)
	m.hooksMu.Unlock()
}

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is live.
func (m *ConnManager) Connected() bool {
	return m.State() == StateConnected
}

// Initialize opens the connection. It is a no-op while a connection is live
// or being established. Calling it after Teardown or after the retry bounds
// were exhausted starts over with fresh counters.
func (m *ConnManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.authAttempts = 0
	if m.lifeCancel == nil {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	life := m.lifeCtx
	m.state = StateConnecting
	m.mu.Unlock()

	m.emitter.emit(ObserveStateChanged, StateConnecting)
	m.recon.reset()
	if err := m.dial(ctx, life); err != nil {
		m.setStateIfLive(life, StateDisconnected)
		return err
	}
	return nil
}

// Teardown logs out, closes the connection and stops any pending reconnect.
func (m *ConnManager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	wasUp := m.state == StateConnected
	m.conn = nil
	cancel := m.cancelFn
	m.cancelFn = nil
	lifeCancel := m.lifeCancel
	m.lifeCancel = nil
	m.lifeCtx = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var err error
	if conn != nil {
		if wasUp {
			if werr := wsjson.Write(ctx, conn, Envelope{Type: EventLogout}); werr != nil {
				m.log.Debug().Err(werr).Msg("logout notification not sent")
			}
		}
		err = conn.Close(websocket.StatusNormalClosure, "logout")
	}
	if cancel != nil {
		cancel()
	}
	if lifeCancel != nil {
		lifeCancel()
	}
	m.failPendingAcks(ErrNotConnected)
	m.metrics.Connected.Set(0)
	m.emitter.emit(ObserveStateChanged, StateDisconnected)
	m.log.Info().Msg("torn down")
	return err
}

// Emit sends an event. When the channel is not connected nothing is queued:
// Emit returns false and ack, if given, fires with ErrNotConnected. With an
// ack the frame carries a requestId and ack fires with the server's answer,
// or with ErrAckTimeout after Config.AckTimeout.
func (m *ConnManager) Emit(ctx context.Context, event string, payload any, ack AckFunc) bool {
	m.mu.Lock()
	conn := m.conn
	up := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !up {
		if ack != nil {
			ack(nil, ErrNotConnected)
		}
		return false
	}

	env := Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			m.log.Error().Err(err).Str("event", event).Msg("encode payload")
			if ack != nil {
				ack(nil, fmt.Errorf("encode %s: %w", event, err))
			}
			return false
		}
		env.Payload = raw
	}
	if ack != nil {
		env.RequestID = m.addPending(ack)
	}

	if err := wsjson.Write(ctx, conn, env); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("write failed")
		if ack != nil {
			m.resolvePending(env.RequestID, nil, ErrNotConnected)
		}
		return false
	}
	return true
}

// Request emits event and waits for its acknowledgement.
func (m *ConnManager) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan result, 1)
	m.Emit(ctx, event, payload, func(raw json.RawMessage, err error) {
		ch <- result{raw, err}
	})
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// dial opens a socket for the lifecycle life. It never touches the state on
// failure; the caller decides what a failed attempt means.
func (m *ConnManager) dial(ctx, life context.Context) error {
	token := m.session.AccessToken()
	if token == "" {
		m.log.Warn().Msg("no access token; the server is expected to reject the connection")
	}

	wsURL, err := realtimeURL(m.cfg.ServerURL, token)
	if err != nil {
		return err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	m.mu.Lock()
	if m.closed || m.lifeCtx != life {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(m.lifeCtx)
	m.conn = conn
	m.state = StateConnected
	m.cancelFn = cancel
	reconnect := m.everUp
	m.everUp = true
	m.mu.Unlock()

	m.recon.reset()
	m.metrics.Connections.Inc()
	m.metrics.Connected.Set(1)
	m.emitter.emit(ObserveStateChanged, StateConnected)
	m.log.Info().Bool("reconnect", reconnect).Msg("connected")

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx)

	m.hooksMu.Lock()
	hooks := append([]func(bool){}, m.onConnect...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h(reconnect)
	}
	return nil
}

func (m *ConnManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.metrics.EventsDropped.WithLabelValues("decode").Inc()
			m.log.Debug().Err(err).Msg("undecodable frame")
			continue
		}

		switch env.Type {
		case EventAck:
			m.resolveAck(env)
			continue
		case EventInvalidToken, EventTokenMissing:
			m.dispatcher.dispatch(env)
			m.beginAuthRecovery(conn, env.Type)
			return
		case EventOnlineStatuses:
			// The server only sends the snapshot to an accepted connection.
			m.mu.Lock()
			m.authAttempts = 0
			m.mu.Unlock()
		}

		if !m.dispatcher.dispatch(env) {
			m.metrics.EventsDropped.WithLabelValues("no_handler").Inc()
			m.log.Debug().Str("event", env.Type).Msg("no handler")
		}
	}
}

func (m *ConnManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Connected() {
				continue
			}
			m.Emit(ctx, EventHeartbeat, nil, nil)
		}
	}
}

// detach clears conn if it is still the current connection. It reports
// false when conn was already superseded or torn down.
func (m *ConnManager) detach(conn *websocket.Conn, next ConnState) bool {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.state = next
	m.mu.Unlock()

	m.metrics.Connected.Set(0)
	m.emitter.emit(ObserveStateChanged, next)
	return true
}

func (m *ConnManager) handleDrop(conn *websocket.Conn, err error) {
	next := StateDisconnected
	if m.cfg.AutoReconnect {
		next = StateReconnecting
	}
	if !m.detach(conn, next) {
		return
	}
	m.log.Warn().Err(err).Msg("connection lost")
	m.failPendingAcks(ErrNotConnected)
	m.runDisconnectHooks(err)

	if m.cfg.AutoReconnect {
		go m.reconnectLoop()
	}
}

func (m *ConnManager) reconnectLoop() {
	m.mu.Lock()
	ctx := m.lifeCtx
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	for m.recon.shouldReconnect() {
		attempt, delay := m.recon.nextDelay()
		if !m.setStateIfLive(ctx, StateReconnecting) {
			return
		}
		m.metrics.ReconnectAttempts.Inc()
		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := m.dial(ctx, ctx)
		if err == nil {
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if ctx.Err() != nil {
			return
		}
	}
	if m.setStateIfLive(ctx, StateDisconnected) {
		m.log.Error().Int("attempts", m.recon.attempts()).Msg("reconnect attempts exhausted")
	}
}

// beginAuthRecovery drops conn after the server rejected the credential and
// restarts the connection with a refreshed one.
func (m *ConnManager) beginAuthRecovery(conn *websocket.Conn, reason string) {
	if !m.detach(conn, StateReconnecting) {
		return
	}
	m.log.Warn().Str("reason", reason).Msg("credential rejected")
	m.failPendingAcks(ErrNotConnected)
	m.runDisconnectHooks(fmt.Errorf("%w: %s", ErrRejected, reason))

	go func() {
		conn.Close(websocket.StatusPolicyViolation, reason)
		m.refreshAndRestart()
	}()
}

func (m *ConnManager) refreshAndRestart() {
	m.mu.Lock()
	ctx := m.lifeCtx
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	for {
		m.mu.Lock()
		if m.closed || ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		if m.authAttempts >= m.cfg.MaxAuthRetries {
			m.mu.Unlock()
			if m.setStateIfLive(ctx, StateDisconnected) {
				m.log.Error().Err(ErrAuthExhausted).Msg("giving up; re-initialize to retry")
			}
			return
		}
		m.authAttempts++
		attempt := m.authAttempts
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.AuthRetryDelay):
		}

		if _, err := m.session.Refresh(ctx); err != nil {
			m.metrics.AuthRefreshes.WithLabelValues("failed").Inc()
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("credential refresh failed")
			continue
		}
		m.metrics.AuthRefreshes.WithLabelValues("ok").Inc()

		if err := m.dial(ctx, ctx); err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("restart after refresh failed")
			continue
		}
		return
	}
}

// setStateIfLive moves to s only while life is still the current lifecycle,
// so a loop outliving Teardown cannot overwrite the torn-down state.
func (m *ConnManager) setStateIfLive(life context.Context, s ConnState) bool {
	m.mu.Lock()
	if m.closed || life.Err() != nil || m.lifeCtx != life {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.emitter.emit(ObserveStateChanged, s)
	}
	return true
}

func (m *ConnManager) runDisconnectHooks(err error) {
	m.hooksMu.Lock()
	hooks := append([]func(error){}, m.onDisconnect...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h(err)
	}
}

// ============================================================================
// Acknowledgements
// ============================================================================

func (m *ConnManager) addPending(fn AckFunc) string {
	id := "req-" + strconv.FormatUint(m.requestSeq.Add(1), 10)
	p := &pendingAck{fn: fn}
	m.pendingMu.Lock()
	m.pending[id] = p
	p.timer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.resolvePending(id, nil, ErrAckTimeout)
	})
	m.pendingMu.Unlock()
	return id
}

func (m *ConnManager) resolvePending(id string, raw json.RawMessage, err error) {
	m.pendingMu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.fn(raw, err)
}

func (m *ConnManager) resolveAck(env Envelope) {
	var ack AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		m.metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if ack.RequestID == "" {
		ack.RequestID = env.RequestID
	}
	if !ack.OK {
		m.resolvePending(ack.RequestID, ack.Payload, fmt.Errorf("%w: %s", ErrRejected, valueOr(ack.Error, "negative acknowledgement")))
		return
	}
	m.resolvePending(ack.RequestID, ack.Payload, nil)
}

func (m *ConnManager) failPendingAcks(err error) {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingAck)
	m.pendingMu.Unlock()
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.fn(nil, err)
	}
}

// realtimeURL maps an http(s) or ws(s) endpoint to a WebSocket URL carrying
// the token as a query parameter for servers that cannot read headers on the
// upgrade request.
func realtimeURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server url %q", base)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
