package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/session"
	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

var (
	// ErrNotConnected is returned when sending on a conversation with no
	// live connection.
	ErrNotConnected = errors.New("conversation not connected")
	// ErrFlowDeleted is returned when connecting a deleted-flow placeholder.
	ErrFlowDeleted = errors.New("flow was deleted")
)

// Handler receives decoded events and lifecycle notices. Implemented by
// the session hub.
type Handler interface {
	HandleOpen(convID string)
	HandleEvent(convID string, ev chat.Event)
	HandleClosed(convID, reason string)
}

// Config tunes the manager.
type Config struct {
	BaseURL             string // ws:// or wss:// root of the chat gateway
	DialTimeout         time.Duration
	WriteTimeout        time.Duration
	Reconnect           bool
	ReconnectMaxElapsed time.Duration
}

// Manager multiplexes one connection per conversation id.
type Manager struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu         sync.Mutex
	conns      map[string]*Conn
	foreground string
}

// NewManager creates a connection manager. The handler receives every
// decoded event.
func NewManager(cfg Config, handler Handler, log zerolog.Logger) *Manager {
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	return &Manager{
		cfg:     cfg,
		handler: handler,
		dialer:  dialer,
		log:     log.With().Str("component", "gateway").Logger(),
		conns:   make(map[string]*Conn),
	}
}

// Connect opens the conversation's socket and sends its single init
// envelope. Connecting a conversation that already has a live connection
// is a no-op.
func (m *Manager) Connect(ctx context.Context, conv *session.Conversation) error {
	if conv.NotFound {
		return ErrFlowDeleted
	}

	m.mu.Lock()
	if _, live := m.conns[conv.ID]; live {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ws, err := m.dial(ctx, conv)
	if err != nil {
		return err
	}

	c := newConn(conv.ID, ws, m.cfg.WriteTimeout, m.log)

	m.mu.Lock()
	if _, live := m.conns[conv.ID]; live {
		// Lost the race to another Connect; keep the existing socket.
		m.mu.Unlock()
		c.close()
		return nil
	}
	m.conns[conv.ID] = c
	m.mu.Unlock()

	if err := c.send(conv.ConnectEnvelope()); err != nil {
		m.drop(conv.ID)
		c.close()
		return fmt.Errorf("send init envelope: %w", err)
	}

	metrics.ActiveConnections.Inc()
	m.handler.HandleOpen(conv.ID)
	go m.pump(ctx, conv, c)

	m.log.Info().Str("chat_id", conv.ID).Str("flow_id", conv.FlowID).Msg("connected")
	return nil
}

// Send writes an envelope on the conversation's connection.
func (m *Manager) Send(convID string, env wire.Envelope) error {
	m.mu.Lock()
	c, ok := m.conns[convID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return c.send(env)
}

// Close tears down the conversation's connection, if any.
func (m *Manager) Close(convID string) {
	m.mu.Lock()
	c, ok := m.conns[convID]
	delete(m.conns, convID)
	m.mu.Unlock()
	if ok {
		// The read pump owns the gauge decrement.
		c.close()
	}
}

// CloseAll tears down every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// SetForeground records the conversation the user is looking at and
// closes the sockets of backgrounded conversations, unless they are still
// running: a streaming turn survives navigation.
func (m *Manager) SetForeground(ctx context.Context, convID string, stillRunning func(id string) bool) {
	m.mu.Lock()
	m.foreground = convID
	var stale []string
	for id := range m.conns {
		if id != convID && !stillRunning(id) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Debug().Str("chat_id", id).Msg("closing backgrounded connection")
		m.Close(id)
	}
}

// Connected reports whether a live connection exists for the id.
func (m *Manager) Connected(convID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[convID]
	return ok
}

func (m *Manager) dial(ctx context.Context, conv *session.Conversation) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	u.Path = endpointPath(conv.Kind, conv.FlowID)
	q := u.Query()
	q.Set("chat_id", conv.ID)
	u.RawQuery = q.Encode()

	ws, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return ws, nil
}

// endpointPath maps the flow kind to its gateway endpoint.
func endpointPath(kind chat.FlowKind, flowID string) string {
	switch kind {
	case chat.KindWorkflow:
		return "/api/v1/workflow/chat/" + flowID
	case chat.KindAssistant:
		return "/api/v1/assistant/chat/" + flowID
	default:
		return "/api/v1/chat/" + flowID
	}
}

// pump runs the read loop and handles its eventual death: optional
// reconnect with bounded exponential backoff, else surfacing the close
// reason to the handler.
func (m *Manager) pump(ctx context.Context, conv *session.Conversation, c *Conn) {
	reason := c.readLoop(m.handler)

	m.drop(conv.ID)
	metrics.ActiveConnections.Dec()

	select {
	case <-ctx.Done():
		return
	case <-c.done:
		// Deliberate close, nothing to surface.
		return
	default:
	}

	if m.cfg.Reconnect {
		if err := m.redial(ctx, conv); err == nil {
			return
		}
	}
	m.handler.HandleClosed(conv.ID, reason)
}

// redial reopens the conversation's socket with exponential backoff,
// bounded by ReconnectMaxElapsed.
func (m *Manager) redial(ctx context.Context, conv *session.Conversation) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.cfg.ReconnectMaxElapsed

	return backoff.Retry(func() error {
		metrics.ReconnectAttempts.Inc()
		if err := m.Connect(ctx, conv); err != nil {
			m.log.Warn().Err(err).Str("chat_id", conv.ID).Msg("reconnect attempt failed")
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (m *Manager) drop(convID string) {
	m.mu.Lock()
	delete(m.conns, convID)
	m.mu.Unlock()
}
