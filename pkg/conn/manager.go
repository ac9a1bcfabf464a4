// Package conn maintains the websocket connection to the recognition
// backend, reconnecting after every unexpected close.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/protocol"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotReady is returned by Send when the connection is not open.
	// The message is dropped, never queued.
	ErrNotReady = errors.New("websocket not ready to send message")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection manager closed")
)

// State of the managed connection
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "idle"
}

// Status messages shown to the user
const (
	MsgConnected    = "Connected to server"
	MsgReconnecting = "Reconnecting..."
	MsgError        = "Connection error"
	MsgWaiting      = "Waiting..."
	MsgDisconnected = "Disconnected"
)

// Status is a user-facing connection signal.
type Status struct {
	State   State
	Message string
}

// Config holds connection configuration
type Config struct {
	URL              string
	Header           http.Header
	ReconnectDelay   time.Duration // used when Policy is nil
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
	ReadTimeout      time.Duration // 0 disables the read deadline
	Policy           ReconnectPolicy
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		ReconnectDelay:   time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      120 * time.Second,
	}
}

// Stats counts connection events.
type Stats struct {
	Attempts     uint64 `json:"attempts"`
	Connects     uint64 `json:"connects"`
	Received     uint64 `json:"received"`
	Malformed    uint64 `json:"malformed"`
	DroppedSends uint64 `json:"dropped_sends"`
}

// Manager owns one logical duplex connection.
type Manager struct {
	cfg    Config
	clock  timer.Clock
	dialer websocket.Dialer
	policy ReconnectPolicy

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	session string
	attempt int
	retry   timer.Task
	ctx     context.Context
	cancel  context.CancelFunc
	stats   Stats

	onMessage   func(*protocol.Inbound)
	onStatus    []func(Status)
	onConnected []func()

	writeMu sync.Mutex
}

// New creates an idle manager. Nothing is dialed until Connect.
func New(cfg Config, clock timer.Clock) *Manager {
	if cfg.URL == "" {
		panic("conn: URL is required")
	}
	if clock == nil {
		clock = timer.Real()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		delay := cfg.ReconnectDelay
		if delay <= 0 {
			delay = time.Second
		}
		policy = FixedDelay(delay)
	}
	return &Manager{
		cfg:    cfg,
		clock:  clock,
		policy: policy,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// OnMessage sets the handler for analysis and not_found messages.
func (m *Manager) OnMessage(fn func(*protocol.Inbound)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnStatus registers a status listener.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.mu.Unlock()
}

// OnConnected registers a hook run on every transition to Open.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// Connect starts dialing in the background. Cancelling ctx closes the manager.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return ErrClosed
	case Connecting, Open:
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.state = Connecting
	m.attempt = 0
	m.mu.Unlock()

	context.AfterFunc(ctx, func() { m.Close() })

	go m.dial()
	return nil
}

func (m *Manager) dial() {
	m.mu.Lock()
	if m.state == Closed || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	m.stats.Attempts++
	ctx := m.ctx
	m.mu.Unlock()

	ws, _, err := m.dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("websocket dial failed", "url", m.cfg.URL, "error", err)
		m.emit(Status{State: Connecting, Message: MsgError})
		m.emit(Status{State: Connecting, Message: MsgReconnecting})
		m.scheduleReconnect()
		return
	}

	session := uuid.NewString()

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.ws = ws
	m.state = Open
	m.attempt = 0
	m.session = session
	m.stats.Connects++
	hooks := append([]func(){}, m.onConnected...)
	m.mu.Unlock()

	logger := log.With("session", session)
	logger.Info("websocket connected", "url", m.cfg.URL)

	m.setupKeepalive(ws)

	done := make(chan struct{})
	if m.cfg.PingInterval > 0 {
		go m.keepAlive(ws, done)
	}

	m.emit(Status{State: Open, Message: MsgConnected})
	for _, fn := range hooks {
		fn()
	}

	m.readLoop(ws)
	close(done)

	m.mu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	closed := m.state == Closed
	if !closed {
		m.state = Connecting
	}
	m.mu.Unlock()
	ws.Close()

	if closed {
		logger.Info("websocket closed")
		return
	}
	logger.Warn("websocket disconnected")
	m.emit(Status{State: Connecting, Message: MsgReconnecting})
	m.scheduleReconnect()
}

func (m *Manager) setupKeepalive(ws *websocket.Conn) {
	ws.SetPingHandler(func(appData string) error {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		m.extendRead(ws)
		return nil
	})
	m.extendRead(ws)
}

func (m *Manager) extendRead(ws *websocket.Conn) {
	if m.cfg.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	}
}

// keepAlive sends periodic pings until done is closed or a write fails.
func (m *Manager) keepAlive(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		m.extendRead(ws)
		m.handle(data)
	}
}

func (m *Manager) handle(data []byte) {
	msg, err := protocol.ParseInbound(data)

	m.mu.Lock()
	m.stats.Received++
	if err != nil {
		m.stats.Malformed++
	}
	handler := m.onMessage
	m.mu.Unlock()

	if err != nil {
		log.Warn("error parsing server message", "error", err, "bytes", len(data))
		return
	}
	if !msg.Dispatchable() {
		if msg.Type == protocol.TypeError {
			log.Warn("backend reported error", "error", msg.Error)
		} else {
			log.Debug("ignoring message", "type", msg.Type)
		}
		return
	}

	if handler != nil {
		handler(msg)
	}
	if msg.Type == protocol.TypeNotFound {
		m.emit(Status{State: Open, Message: MsgWaiting})
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return
	}
	m.attempt++
	delay, ok := m.policy.Delay(m.attempt)
	if !ok {
		log.Error("websocket reconnect attempts exhausted", "attempts", m.attempt-1)
		m.state = Idle
		m.cancel()
		go m.emit(Status{State: Idle, Message: MsgDisconnected})
		return
	}

	log.Debug("websocket reconnect scheduled", "attempt", m.attempt, "delay", delay)
	m.retry = m.clock.AfterFunc(delay, func() { go m.dial() })
}

// Send encodes v as JSON and writes it. Returns ErrNotReady without
// blocking when the connection is not open.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	ws := m.ws
	open := m.state == Open && ws != nil
	if !open {
		m.stats.DroppedSends++
	}
	m.mu.Unlock()

	if !open {
		log.Warn("websocket not ready to send message")
		return ErrNotReady
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close shuts the connection down for good. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.state = Closed
	if m.retry != nil {
		m.retry.Cancel()
		m.retry = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if ws != nil {
		m.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		ws.Close()
	}
	m.emit(Status{State: Closed, Message: MsgDisconnected})
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether sends will be attempted.
func (m *Manager) IsOpen() bool {
	return m.State() == Open
}

// SessionID identifies the current (or last) connection in logs.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) emit(s Status) {
	m.mu.Lock()
	listeners := append([]func(Status){}, m.onStatus...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
