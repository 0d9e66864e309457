// Package session owns the conversation directory: one Conversation per
// chat id, each with its transcript, derived running state, pending input
// context, and the pump goroutine that serializes event reduction.
package session

import (
	"sync"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/runstate"
	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
)

// Sender delivers an outbound envelope on a conversation's connection.
// Implemented by the gateway manager.
type Sender interface {
	Send(convID string, env wire.Envelope) error
}

// Snapshot is what observers (the render layer) receive after every
// reduced event: an immutable copy of the transcript plus derived state.
type Snapshot struct {
	ConversationID string
	Messages       []chat.Message
	Status         runstate.Status
	GuideWord      string
	GuideQuestions []string
	HistoryEnd     bool
}

// Conversation is one logical chat: flow binding, transcript, derived
// state, and the single-consumer mailbox that preserves arrival order.
type Conversation struct {
	ID     string
	FlowID string
	Kind   chat.FlowKind
	IsNew  bool

	// NotFound marks a synthetic placeholder for a deleted flow; such a
	// conversation renders but never connects.
	NotFound bool

	machine *runstate.Machine
	mailbox chan chat.Event

	mu             sync.RWMutex
	messages       []chat.Message
	historyEnd     bool
	pending        *chat.PendingInput
	guideWord      string
	guideQuestions []string
	subs           []chan Snapshot
	sender         Sender

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a conversation with an idle state machine and a mailbox of
// the given capacity.
func New(id, flowID string, kind chat.FlowKind, isNew bool, mailboxSize int) *Conversation {
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	return &Conversation{
		ID:      id,
		FlowID:  flowID,
		Kind:    kind,
		IsNew:   isNew,
		machine: runstate.New(kind),
		mailbox: make(chan chat.Event, mailboxSize),
		done:    make(chan struct{}),
	}
}

// NewDeletedPlaceholder builds the stand-in shown when the referenced
// flow no longer exists. It renders a disabled transcript and never gets
// a connection.
func NewDeletedPlaceholder(id, flowID string, kind chat.FlowKind) *Conversation {
	c := New(id, flowID, kind, false, 1)
	c.NotFound = true
	c.machine.OnTransportError("this application was deleted")
	return c
}

// Machine exposes the derived-state machine. The dispatcher consults it
// before sending and records dispatches on it.
func (c *Conversation) Machine() *runstate.Machine {
	return c.machine
}

// Running reports whether a turn is currently in flight. A running
// conversation keeps its socket alive in the background.
func (c *Conversation) Running() bool {
	switch c.machine.Phase() {
	case runstate.PhaseAwaitingResponse, runstate.PhaseStreamingAnswer:
		return true
	}
	return false
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []chat.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// HistoryEnd reports whether older history is exhausted.
func (c *Conversation) HistoryEnd() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyEnd
}

// OldestMessageID is the paging cursor for the next history request.
func (c *Conversation) OldestMessageID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[0].ID
}

// PrependHistory inserts an older, reverse-chronological page at the top
// of the transcript. An empty page marks history as exhausted.
func (c *Conversation) PrependHistory(page []chat.Message) {
	c.mu.Lock()
	if len(page) == 0 {
		c.historyEnd = true
		c.mu.Unlock()
		c.publish()
		return
	}
	ordered := make([]chat.Message, 0, len(page)+len(c.messages))
	for i := len(page) - 1; i >= 0; i-- {
		ordered = append(ordered, page[i])
	}
	c.messages = append(ordered, c.messages...)
	c.mu.Unlock()
	c.publish()
}

// SetPendingInput records the awaiting-input context. Called by the pump
// when the server prompts; at most one is held at a time.
func (c *Conversation) SetPendingInput(p *chat.PendingInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = p
}

// TakePendingInput consumes and clears the pending prompt context.
func (c *Conversation) TakePendingInput() chat.PendingInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return chat.PendingInput{}
	}
	p := *c.pending
	c.pending = nil
	return p
}

// HasPendingInput reports whether a prompt is outstanding.
func (c *Conversation) HasPendingInput() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending != nil
}

// SetSender binds the outbound path used for queued restart re-inits.
func (c *Conversation) SetSender(s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// ConnectEnvelope is the single initialization frame sent when the socket
// opens: workflows resume or init depending on whether the run is new,
// skills and assistants prime the server with the transcript tail.
func (c *Conversation) ConnectEnvelope() wire.Envelope {
	if c.Kind == chat.KindWorkflow {
		if c.IsNew {
			return wire.InitEnvelope(c.ID, c.FlowID)
		}
		return wire.CheckStatusEnvelope(c.ID, c.FlowID)
	}
	c.mu.RLock()
	last := ""
	if n := len(c.messages); n > 0 {
		last = c.messages[n-1].ID
	}
	c.mu.RUnlock()
	return wire.HistoryPrimeEnvelope(c.ID, c.FlowID, last)
}

// Subscribe registers an observer. Snapshots are published best-effort:
// a slow observer sees the latest state, not every intermediate one.
func (c *Conversation) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// publish fans the current snapshot out to observers. Callers must not
// hold c.mu.
func (c *Conversation) publish() {
	snap := c.snapshot()
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Conversation) snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := make([]chat.Message, len(c.messages))
	copy(msgs, c.messages)
	qs := make([]string, len(c.guideQuestions))
	copy(qs, c.guideQuestions)
	return Snapshot{
		ConversationID: c.ID,
		Messages:       msgs,
		Status:         c.machine.Status(),
		GuideWord:      c.guideWord,
		GuideQuestions: qs,
		HistoryEnd:     c.historyEnd,
	}
}
