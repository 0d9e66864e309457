package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

func TestNew_KindDefaults(t *testing.T) {
	wf := New(chat.KindWorkflow)
	assert.Equal(t, PhaseIdle, wf.Phase())
	assert.True(t, wf.Status().InputDisabled)
	assert.False(t, wf.Status().ShowUpload)

	as := New(chat.KindAssistant)
	assert.False(t, as.Status().InputDisabled)
	assert.True(t, as.Status().ShowUpload)
}

func TestOnDispatch(t *testing.T) {
	m := New(chat.KindAssistant)
	m.OnDispatch()

	st := m.Status()
	assert.Equal(t, PhaseAwaitingResponse, st.Phase)
	assert.True(t, st.InputDisabled)
	assert.True(t, st.ShowStop)
	assert.False(t, st.ShowUpload)
}

func TestOnOutcome_StreamingThenTerminal(t *testing.T) {
	m := New(chat.KindAssistant)
	m.OnDispatch()

	m.OnOutcome(chat.Event{}, chat.Outcome{Streaming: true})
	assert.Equal(t, PhaseStreamingAnswer, m.Phase())
	assert.True(t, m.Status().ShowStop)

	m.OnOutcome(chat.Event{}, chat.Outcome{Terminal: true})
	st := m.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.ShowStop)
	assert.True(t, st.ShowReRun)
	assert.False(t, st.InputDisabled)
	assert.True(t, st.ShowUpload)
}

func TestOnOutcome_WorkflowTerminalKeepsInputDisabled(t *testing.T) {
	m := New(chat.KindWorkflow)
	m.OnDispatch()
	m.OnOutcome(chat.Event{}, chat.Outcome{Terminal: true})

	st := m.Status()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.True(t, st.InputDisabled)
}

func TestOnOutcome_PendingInput(t *testing.T) {
	m := New(chat.KindWorkflow)
	m.OnDispatch()

	m.OnOutcome(chat.Event{}, chat.Outcome{
		PendingInput: &chat.PendingInput{NodeID: "input_1"},
	})
	st := m.Status()
	assert.Equal(t, PhaseAwaitingUserInput, st.Phase)
	assert.False(t, st.InputDisabled)

	m.OnOutcome(chat.Event{}, chat.Outcome{
		PendingInput: &chat.PendingInput{NodeID: "input_2"},
		InputTab:     chat.InputTabForm,
		InputSchema:  map[string]any{"fields": "name"},
	})
	st = m.Status()
	assert.Equal(t, PhaseAwaitingForm, st.Phase)
	assert.True(t, st.InputDisabled)
	require.NotNil(t, st.InputForm)
	assert.Equal(t, "name", st.InputForm["fields"])
}

func TestOnOutcome_TwoPhaseRestart(t *testing.T) {
	m := New(chat.KindWorkflow)
	m.OnDispatch()
	m.ArmRestart()

	// Stream deltas may still arrive before the close confirmation; they
	// must not trigger the re-init early.
	resume := m.OnOutcome(chat.Event{}, chat.Outcome{Streaming: true})
	assert.False(t, resume)

	resume = m.OnOutcome(chat.Event{}, chat.Outcome{TurnClosed: true})
	assert.True(t, resume)
	assert.Equal(t, PhaseIdle, m.Phase())

	// The queued restart fires once.
	resume = m.OnOutcome(chat.Event{}, chat.Outcome{TurnClosed: true})
	assert.False(t, resume)
}

func TestOnOutcome_ErroredIsAbsorbing(t *testing.T) {
	m := New(chat.KindAssistant)
	m.OnOutcome(chat.Event{}, chat.Outcome{Err: &chat.AppError{Code: 10402}})

	st := m.Status()
	assert.Equal(t, PhaseErrored, st.Phase)
	assert.True(t, st.InputDisabled)
	assert.Equal(t, "This application has been deleted.", st.Error)

	m.OnOutcome(chat.Event{}, chat.Outcome{Streaming: true})
	assert.Equal(t, PhaseErrored, m.Phase())

	m.OnDispatch()
	assert.Equal(t, PhaseErrored, m.Phase())
}

func TestOnOutcome_GuideWordSticks(t *testing.T) {
	m := New(chat.KindSkill)
	m.OnOutcome(chat.Event{}, chat.Outcome{GuideWord: "Ask me about pricing"})
	assert.Equal(t, "Ask me about pricing", m.Status().GuideWord)

	m.OnOutcome(chat.Event{}, chat.Outcome{Streaming: true})
	assert.Equal(t, "Ask me about pricing", m.Status().GuideWord)
}

func TestOnTransportError(t *testing.T) {
	m := New(chat.KindAssistant)
	m.OnTransportError("connection reset")

	st := m.Status()
	assert.Equal(t, PhaseErrored, st.Phase)
	assert.Equal(t, "connection reset", st.Error)
	assert.True(t, st.InputDisabled)
}
