// Package chat holds the conversation data model and the message-stream
// reconciler: the pure logic that folds raw gateway events into a single
// append-ordered transcript.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category tags a transcript entry or an inbound event with its kind.
type Category string

const (
	CategoryQuestion      Category = "question"
	CategoryAnswer        Category = "answer"
	CategoryOutputMsg     Category = "output_msg"
	CategoryStreamMsg     Category = "stream_msg"
	CategoryGuideWord     Category = "guide_word"
	CategoryGuideQuestion Category = "guide_question"
	CategoryDivider       Category = "divider"
	CategoryOutputChoose  Category = "output_with_choose_msg"
	CategoryOutputInput   Category = "output_with_input_msg"
	CategoryNodeRun       Category = "node_run"
	CategorySystem        Category = "system"
	CategoryTool          Category = "tool"
	CategoryFlow          Category = "flow"
	CategoryKnowledge     Category = "knowledge"
	CategoryInput         Category = "input"
	CategoryError         Category = "error"
	CategoryProcessing    Category = "processing"
	CategoryEndCover      Category = "end_cover"
)

// IsRunLog reports whether the category is a nested run-log thread
// (tool/flow/knowledge calls interleaved with the main answer stream).
func (c Category) IsRunLog() bool {
	switch c {
	case CategoryTool, CategoryFlow, CategoryKnowledge:
		return true
	}
	return false
}

// FlowKind distinguishes the three flow families. Workflows speak the
// node-output wire dialect, skills and assistants the legacy chat dialect.
type FlowKind string

const (
	KindWorkflow  FlowKind = "workflow"
	KindSkill     FlowKind = "skill"
	KindAssistant FlowKind = "assistant"
)

// File is an attachment reference carried on a message.
type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Receiver identifies the addressee of a directed message.
type Receiver struct {
	IsSelf   bool   `json:"is_self"`
	UserName string `json:"user_name"`
}

// Message is one transcript entry. Within a conversation at most one open
// (End=false) message may exist per active thread; deltas always land on
// that open message.
type Message struct {
	ID           string            `json:"id"`
	Category     Category          `json:"category"`
	IsBot        bool              `json:"is_bot"`
	Text         string            `json:"message"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	ChatKey      string            `json:"chat_key,omitempty"`
	ReasoningLog string            `json:"reasoning_log,omitempty"`
	Thought      string            `json:"thought,omitempty"`
	Files        []File            `json:"files,omitempty"`
	End          bool              `json:"end"`
	Extra        string            `json:"extra,omitempty"`
	Source       int               `json:"source,omitempty"`
	NodeID       string            `json:"node_id,omitempty"`
	CreateTime   time.Time         `json:"create_time"`
	Liked        bool              `json:"liked,omitempty"`
	Sender       string            `json:"sender,omitempty"`
	Receiver     *Receiver         `json:"receiver,omitempty"`

	// ThreadKey is the composite unique_id+output_key for workflow node
	// output streams. Local correlation only, never sent back.
	ThreadKey string `json:"-"`
}

// Display returns the active display text: the keyed output selected by
// ChatKey when the message carries a workflow multi-output, else Text.
func (m *Message) Display() string {
	if len(m.Outputs) > 0 && m.ChatKey != "" {
		if v, ok := m.Outputs[m.ChatKey]; ok {
			return v
		}
	}
	return m.Text
}

// ContentEmpty reports whether the message carries nothing a user could
// see: no text, no keyed outputs, no run-log narration, no files.
func (m *Message) ContentEmpty() bool {
	return m.Text == "" && len(m.Outputs) == 0 && m.Thought == "" && len(m.Files) == 0
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SplitThink extracts an inline <think>...</think> span from raw streamed
// text. The reconciler never calls this; it belongs to the render path, so
// the reasoning channel stays separate from the accumulated message.
func SplitThink(raw string) (text, reasoning string) {
	start := strings.Index(raw, thinkOpen)
	if start < 0 {
		return raw, ""
	}
	rest := raw[start+len(thinkOpen):]
	end := strings.Index(rest, thinkClose)
	if end < 0 {
		// Unterminated tag: everything after the marker is still thinking.
		return raw[:start], rest
	}
	return raw[:start] + rest[end+len(thinkClose):], rest[:end]
}

// newLocalID synthesizes a render-stable id for messages the server never
// named. Synthetic ids are not authoritative for later correlation.
func newLocalID() string {
	return uuid.NewString()
}

// joinThought accumulates run-log narration, newline-joined across updates.
func joinThought(existing, delta string) string {
	if delta == "" {
		return existing
	}
	if existing == "" {
		return delta
	}
	return existing + "\n" + delta
}
