package chat

import "time"

// Phase disambiguates the lifecycle step within a category.
type Phase string

const (
	PhaseBegin    Phase = "begin"
	PhaseStart    Phase = "start"
	PhaseStream   Phase = "stream"
	PhaseEnd      Phase = "end"
	PhaseOver     Phase = "over"
	PhaseClose    Phase = "close"
	PhaseEndCover Phase = "end_cover"
	PhaseUnknown  Phase = ""
)

// ParsePhase maps the wire `type` string into the closed Phase set.
// Unrecognized values collapse to PhaseUnknown so downstream matching
// stays exhaustive.
func ParsePhase(s string) Phase {
	switch Phase(s) {
	case PhaseBegin, PhaseStart, PhaseStream, PhaseEnd, PhaseOver, PhaseClose, PhaseEndCover:
		return Phase(s)
	}
	return PhaseUnknown
}

// Terminal reports whether the phase closes a logical message.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseEnd, PhaseOver, PhaseClose, PhaseEndCover:
		return true
	}
	return false
}

// InputTabForm is the input-event tab value that asks for a structured
// form instead of free text.
const InputTabForm = "form_input"

// Event is a decoded gateway frame. The wire codec maps the untyped
// category/type strings into Category and Phase at the boundary; the
// reconciler only ever sees this shape.
type Event struct {
	Category  Category
	Phase     Phase
	MessageID string

	// Text is the flat message payload; UniqueID/OutputKey/NodeID come
	// from the structured workflow payload when present.
	Text      string
	UniqueID  string
	OutputKey string
	NodeID    string

	// Outputs is the keyed multi-output form of the workflow payload;
	// OutputKey selects the displayed entry.
	Outputs map[string]string

	// InputTab and InputSchema describe an awaiting-input prompt.
	InputTab    string
	InputSchema map[string]any

	Extra     string
	Steps     string // intermediate run-log narration for this frame
	Reasoning string // reasoning-channel delta, append-only
	Files     []File
	Source    int
	Receiver  *Receiver
	Code      int  // application error code, category "error" only
	Cover     bool // server asked for the payload to replace, not append

	Received time.Time
}

// PendingInput correlates a later user answer with the prompt that asked
// for it. At most one exists per conversation at a time.
type PendingInput struct {
	NodeID    string
	MessageID string
}

// AppError is a server-reported application error (category "error").
type AppError struct {
	Code   int
	Reason string
}
