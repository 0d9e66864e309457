// Package dispatch translates user intents into wire envelopes: send,
// stop, restart, form submit, inline choice. Every user utterance is also
// echoed into the transcript before the server answers.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
	"github.com/dataelement/bisheng-sub006/internal/domain/runstate"
	"github.com/dataelement/bisheng-sub006/internal/domain/session"
	"github.com/dataelement/bisheng-sub006/internal/domain/wire"
	"github.com/dataelement/bisheng-sub006/internal/infrastructure/metrics"
)

// Action is a user-originated intent.
type Action string

const (
	ActionInput        Action = "input"
	ActionStop         Action = "stop"
	ActionRestart      Action = "restart"
	ActionFormSubmit   Action = "form_submit"
	ActionMessageInput Action = "message_input"
	// ActionSkillInput wraps the utterance in the legacy skill/assistant
	// wire shape.
	ActionSkillInput Action = "skill_input"
)

// Payload carries the intent's data. Fields are used per action.
type Payload struct {
	Text       string
	Files      []string
	FormValues map[string]any
	// InputKey names the legacy skill input variable (default "query").
	InputKey string
	// MessageID correlates an inline-choice answer with its card.
	MessageID string
}

var (
	// ErrFormOutstanding blocks free-text sends while a form prompt waits.
	ErrFormOutstanding = errors.New("a form is awaiting submission")
	// ErrUnknownAction is returned for unrecognized actions.
	ErrUnknownAction = errors.New("unknown action")
)

// Gateway is the outbound transport surface the dispatcher needs.
type Gateway interface {
	Send(convID string, env wire.Envelope) error
}

// Dispatcher coordinates the session directory, the running-state
// machine, and the gateway for every outbound action.
type Dispatcher struct {
	store session.Store
	gw    Gateway
	log   zerolog.Logger
}

// New creates a dispatcher.
func New(store session.Store, gw Gateway, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		gw:    gw,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch performs one user action against a conversation. Failures
// reach the UI only through the error event path; the optimistic echo is
// never rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, convID string, action Action, p Payload) error {
	conv, err := d.store.Get(ctx, convID)
	if err != nil {
		return err
	}

	metrics.Dispatches.WithLabelValues(string(action)).Inc()

	switch action {
	case ActionInput:
		return d.sendInput(conv, p, false)
	case ActionSkillInput:
		return d.sendInput(conv, p, true)
	case ActionStop:
		return d.gw.Send(conv.ID, wire.StopEnvelope(conv.ID, conv.FlowID))
	case ActionRestart:
		// Two-phase: stop now, re-init once the server confirms close.
		conv.Machine().ArmRestart()
		return d.gw.Send(conv.ID, wire.StopEnvelope(conv.ID, conv.FlowID))
	case ActionFormSubmit:
		return d.sendForm(conv, p)
	case ActionMessageInput:
		return d.sendChoice(conv, p)
	default:
		return ErrUnknownAction
	}
}

// sendInput handles a free-text utterance, optionally in the legacy
// skill shape. File paths are folded into the message body.
func (d *Dispatcher) sendInput(conv *session.Conversation, p Payload, legacy bool) error {
	if conv.Machine().Phase() == runstate.PhaseAwaitingForm {
		return ErrFormOutstanding
	}

	body := wire.BundleFiles(p.Text, p.Files)
	d.echoQuestion(conv, body, p.Files)
	conv.Machine().OnDispatch()

	var env wire.Envelope
	if legacy {
		key := p.InputKey
		if key == "" {
			key = "query"
		}
		env = wire.SkillInputEnvelope(conv.ID, conv.FlowID, key, body, p.Files)
	} else {
		pending := conv.TakePendingInput()
		env = wire.InputEnvelope(conv.ID, conv.FlowID, pending, body, nil, p.Files)
	}
	return d.gw.Send(conv.ID, env)
}

// sendForm answers a pending form prompt with its variable values.
func (d *Dispatcher) sendForm(conv *session.Conversation, p Payload) error {
	pending := conv.TakePendingInput()
	conv.Machine().OnDispatch()
	env := wire.InputEnvelope(conv.ID, conv.FlowID, pending, "", p.FormValues, nil)
	return d.gw.Send(conv.ID, env)
}

// sendChoice answers an inline choice/inline-form card. The answer is a
// user utterance and gets echoed like any other.
func (d *Dispatcher) sendChoice(conv *session.Conversation, p Payload) error {
	if conv.Machine().Phase() == runstate.PhaseAwaitingForm {
		return ErrFormOutstanding
	}

	d.echoQuestion(conv, p.Text, nil)
	conv.Machine().OnDispatch()

	pending := conv.TakePendingInput()
	if p.MessageID != "" {
		pending.MessageID = p.MessageID
	}
	env := wire.InputEnvelope(conv.ID, conv.FlowID, pending, p.Text, nil, nil)
	return d.gw.Send(conv.ID, env)
}

// echoQuestion appends the local question entry through the pump so it
// stays ordered against inbound frames.
func (d *Dispatcher) echoQuestion(conv *session.Conversation, text string, files []string) {
	var fs []chat.File
	for _, f := range files {
		fs = append(fs, chat.File{Name: f, Path: f})
	}
	if err := conv.EnqueueLocal(chat.Event{
		Category: chat.CategoryQuestion,
		Text:     text,
		Files:    fs,
		Received: time.Now(),
	}); err != nil {
		d.log.Warn().Err(err).Str("chat_id", conv.ID).Msg("local echo dropped")
	}
}
