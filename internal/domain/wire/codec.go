// Package wire is the JSON codec for the gateway protocol: it decodes
// inbound frames into typed chat events and builds outbound action
// envelopes. It owns all knowledge of the untyped category/type strings.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

// frame is the raw inbound envelope. `message` is either a flat string or
// a structured workflow payload, so it stays raw until we know which.
type frame struct {
	Category          string          `json:"category"`
	Type              string          `json:"type"`
	Message           json.RawMessage `json:"message"`
	MessageID         json.RawMessage `json:"message_id"`
	IntermediateSteps string          `json:"intermediate_steps"`
	ReasoningContent  string          `json:"reasoning_content"`
	Extra             string          `json:"extra"`
	Source            int             `json:"source"`
	Receiver          *chat.Receiver  `json:"receiver"`
	Files             []chat.File     `json:"files"`
	Code              int             `json:"code"`
}

// messageBody is the structured form of `message` used by the workflow
// dialect and by input prompts. `msg` is itself either a flat string or
// a keyed multi-output object, so it stays raw until we know which.
type messageBody struct {
	Msg              json.RawMessage `json:"msg"`
	UniqueID         string          `json:"unique_id"`
	OutputKey        string          `json:"output_key"`
	NodeID           string          `json:"node_id"`
	ReasoningContent string          `json:"reasoning_content"`
	Tab              string          `json:"tab"`
	InputSchema      map[string]any  `json:"input_schema"`
	Cover            bool            `json:"cover"`
	Code             int             `json:"code"`
}

// Decode parses one inbound frame into a typed event. The category and
// type strings are mapped into their closed enums here so everything
// downstream can match exhaustively.
func Decode(raw []byte) (chat.Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return chat.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Category == "" {
		return chat.Event{}, fmt.Errorf("decode frame: missing category")
	}

	ev := chat.Event{
		Category:  chat.Category(f.Category),
		Phase:     chat.ParsePhase(f.Type),
		MessageID: decodeID(f.MessageID),
		Extra:     f.Extra,
		Steps:     f.IntermediateSteps,
		Reasoning: f.ReasoningContent,
		Files:     f.Files,
		Source:    f.Source,
		Receiver:  f.Receiver,
		Code:      f.Code,
		Received:  time.Now(),
	}

	if len(f.Message) > 0 {
		var s string
		if err := json.Unmarshal(f.Message, &s); err == nil {
			ev.Text = s
		} else {
			var body messageBody
			if err := json.Unmarshal(f.Message, &body); err != nil {
				return chat.Event{}, fmt.Errorf("decode message body: %w", err)
			}
			if err := decodeMsg(body.Msg, &ev); err != nil {
				return chat.Event{}, err
			}
			ev.UniqueID = body.UniqueID
			ev.OutputKey = body.OutputKey
			ev.NodeID = body.NodeID
			ev.InputTab = body.Tab
			ev.InputSchema = body.InputSchema
			ev.Cover = body.Cover
			if body.ReasoningContent != "" {
				ev.Reasoning = body.ReasoningContent
			}
			if body.Code != 0 {
				ev.Code = body.Code
			}
		}
	}
	return ev, nil
}

// decodeMsg resolves the body's `msg` slot: a flat string, or the keyed
// multi-output object of workflow nodes with several named outputs.
func decodeMsg(raw json.RawMessage, ev *chat.Event) error {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ev.Text = s
		return nil
	}
	var outs map[string]string
	if err := json.Unmarshal(raw, &outs); err == nil {
		ev.Outputs = outs
		return nil
	}
	return fmt.Errorf("decode msg: neither string nor keyed object")
}

// decodeID accepts the server's string-or-number message ids.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
