// Package runstate derives per-conversation ephemeral UI state from the
// same event stream the reconciler consumes: can the user type, is a stop
// button shown, is a form pending.
package runstate

import (
	"sync"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

// Phase is the derived conversation phase.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingResponse  Phase = "awaiting_response"
	PhaseStreamingAnswer   Phase = "streaming_answer"
	PhaseAwaitingUserInput Phase = "awaiting_user_input"
	PhaseAwaitingForm      Phase = "awaiting_form"
	PhaseErrored           Phase = "errored"
)

// Status is the full derived UI state. Recomputed from events, never
// mutated independently.
type Status struct {
	Phase         Phase
	InputDisabled bool
	ShowStop      bool
	ShowUpload    bool
	ShowReRun     bool
	InputForm     map[string]any
	GuideWord     string
	Error         string
}

// Machine folds event outcomes into Status. Safe for concurrent use: the
// dispatcher and the conversation pump both touch it.
type Machine struct {
	mu            sync.Mutex
	kind          chat.FlowKind
	st            Status
	restartQueued bool
}

// New returns a machine in the Idle state. Workflows start with input
// disabled until the server asks for it; skills and assistants accept
// free text immediately.
func New(kind chat.FlowKind) *Machine {
	m := &Machine{kind: kind}
	m.st.Phase = PhaseIdle
	m.st.InputDisabled = kind == chat.KindWorkflow
	m.st.ShowUpload = kind != chat.KindWorkflow
	return m
}

// Status returns a snapshot of the derived state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Phase
}

// OnDispatch records a user utterance going out: the turn is now the
// server's, so typing stops and the stop control appears.
func (m *Machine) OnDispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Phase == PhaseErrored {
		return
	}
	m.st.Phase = PhaseAwaitingResponse
	m.st.InputDisabled = true
	m.st.ShowStop = true
	m.st.ShowUpload = false
	m.st.InputForm = nil
	m.st.ShowReRun = false
}

// ArmRestart marks a two-phase restart: a stop was sent and the re-init
// envelope must go out once the server confirms the turn is closed.
func (m *Machine) ArmRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartQueued = true
}

// OnOutcome applies a reduced event's derived-state outputs. The returned
// resume flag is true when a queued restart should now send its re-init
// envelope (the server confirmed the previous turn closed).
func (m *Machine) OnOutcome(ev chat.Event, out chat.Outcome) (resume bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if out.GuideWord != "" {
		m.st.GuideWord = out.GuideWord
	}

	if out.Err != nil {
		m.st.Phase = PhaseErrored
		m.st.InputDisabled = true
		m.st.ShowStop = false
		m.st.Error = out.Err.Localize()
		return false
	}
	if m.st.Phase == PhaseErrored {
		return false
	}

	switch {
	case out.TurnClosed:
		m.st.Phase = PhaseIdle
		m.st.ShowStop = false
		if m.restartQueued {
			m.restartQueued = false
			return true
		}
	case out.PendingInput != nil:
		if out.InputTab == chat.InputTabForm {
			m.st.Phase = PhaseAwaitingForm
			m.st.InputForm = out.InputSchema
			m.st.InputDisabled = true
		} else {
			m.st.Phase = PhaseAwaitingUserInput
			m.st.InputForm = nil
			m.st.InputDisabled = false
		}
		m.st.ShowStop = false
	case out.Terminal:
		m.st.Phase = PhaseIdle
		m.st.ShowStop = false
		m.st.ShowReRun = true
		// Workflows re-enable input only through a later input event.
		if m.kind != chat.KindWorkflow {
			m.st.InputDisabled = false
			m.st.ShowUpload = true
		}
	case out.Streaming:
		m.st.Phase = PhaseStreamingAnswer
		m.st.ShowStop = true
		m.st.InputDisabled = true
	}
	return false
}

// OnTransportError moves the conversation to the absorbing Errored state
// with the close reason surfacing as the disabled-input placeholder.
func (m *Machine) OnTransportError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Phase = PhaseErrored
	m.st.InputDisabled = true
	m.st.ShowStop = false
	m.st.Error = reason
}
