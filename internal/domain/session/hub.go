package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

// Hub routes decoded gateway events into the owning conversation's
// mailbox. It satisfies the gateway's Handler contract.
type Hub struct {
	store Store
	log   zerolog.Logger

	mu     sync.Mutex
	sender Sender
}

// NewHub creates the event router over the conversation directory.
func NewHub(store Store, log zerolog.Logger) *Hub {
	return &Hub{
		store: store,
		log:   log.With().Str("component", "session-hub").Logger(),
	}
}

// SetSender binds the outbound path on every registered conversation so
// queued restart re-inits can go out. Conversations connecting later get
// it at HandleOpen time.
func (h *Hub) SetSender(s Sender) {
	h.mu.Lock()
	h.sender = s
	h.mu.Unlock()

	convs, err := h.store.List(context.Background())
	if err != nil {
		return
	}
	for _, c := range convs {
		c.SetSender(s)
	}
}

// HandleOpen is called once the socket for a conversation is up.
func (h *Hub) HandleOpen(convID string) {
	h.mu.Lock()
	sender := h.sender
	h.mu.Unlock()
	if sender != nil {
		if conv, err := h.store.Get(context.Background(), convID); err == nil {
			conv.SetSender(sender)
		}
	}
	h.log.Debug().Str("chat_id", convID).Msg("connection open")
}

// HandleEvent delivers one decoded frame to the conversation's pump.
func (h *Hub) HandleEvent(convID string, ev chat.Event) {
	conv, err := h.store.Get(context.Background(), convID)
	if err != nil {
		h.log.Warn().Str("chat_id", convID).Msg("event for unknown conversation dropped")
		return
	}
	if err := conv.Enqueue(ev); err != nil {
		h.log.Warn().Err(err).Str("chat_id", convID).Msg("mailbox rejected event")
	}
}

// HandleClosed surfaces a transport close as a disabled-input state with
// the close reason as placeholder text. The conversation is not retried
// here; reconnect policy lives in the gateway.
func (h *Hub) HandleClosed(convID, reason string) {
	conv, err := h.store.Get(context.Background(), convID)
	if err != nil {
		return
	}
	conv.Machine().OnTransportError(reason)
	conv.publish()
	h.log.Info().Str("chat_id", convID).Str("reason", reason).Msg("connection closed")
}
