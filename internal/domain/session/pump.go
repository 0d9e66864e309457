package session

import (
	"context"
	"errors"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

// ErrConversationStopped is returned by Enqueue after Stop.
var ErrConversationStopped = errors.New("conversation stopped")

// Start launches the pump: the single consumer of the mailbox. Events for
// one conversation are reduced strictly in arrival order; the reducer is
// never re-entered. Safe to call more than once.
func (c *Conversation) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
	})
}

// Stop shuts the pump down and waits for it. Safe to call more than once.
func (c *Conversation) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// Enqueue hands an event to the pump. It blocks when the mailbox is full
// rather than dropping: dropping a delta would corrupt the open-message
// accumulation.
func (c *Conversation) Enqueue(ev chat.Event) error {
	select {
	case <-c.done:
		return ErrConversationStopped
	case c.mailbox <- ev:
		return nil
	}
}

// EnqueueLocal appends a locally-originated utterance (the optimistic
// echo) through the same mailbox so it stays ordered against server
// events. It is never rolled back.
func (c *Conversation) EnqueueLocal(ev chat.Event) error {
	return c.Enqueue(ev)
}

func (c *Conversation) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.mailbox:
			c.apply(ev)
		}
	}
}

// apply reduces one event and folds its outcome into the derived state.
func (c *Conversation) apply(ev chat.Event) {
	metrics.EventsReduced.WithLabelValues(string(ev.Category)).Inc()

	c.mu.Lock()
	next, out := chat.Reduce(c.messages, ev)
	c.messages = next
	if out.GuideWord != "" {
		c.guideWord = out.GuideWord
	}
	if out.GuideQuestion != "" {
		c.guideQuestions = append(c.guideQuestions, out.GuideQuestion)
	}
	if out.PendingInput != nil {
		c.pending = out.PendingInput
	}
	sender := c.sender
	c.mu.Unlock()

	if resume := c.machine.OnOutcome(ev, out); resume && sender != nil {
		// Second phase of a restart: the server confirmed the old turn
		// closed, so the queued re-init goes out now.
		env := wire.InitEnvelope(c.ID, c.FlowID)
		if c.Kind != chat.KindWorkflow {
			env = c.ConnectEnvelope()
		}
		_ = sender.Send(c.ID, env)
	}

	c.publish()
}
