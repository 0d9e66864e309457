package wire

import (
	"strings"

	"github.com/dataelement/bisheng-sub006/internal/domain/chat"
)

// Outbound actions.
const (
	ActionInput       = "input"
	ActionStop        = "stop"
	ActionRestart     = "restart"
	ActionInitData    = "init_data"
	ActionCheckStatus = "check_status"
)

// Envelope is the outbound wire shape for every user-originated action.
type Envelope struct {
	Action string         `json:"action"`
	ChatID string         `json:"chat_id"`
	FlowID string         `json:"flow_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// InputData is the per-node payload carried under the pending node id.
type InputData struct {
	Data      map[string]any `json:"data"`
	Message   string         `json:"message"`
	MessageID string         `json:"message_id,omitempty"`
	Category  string         `json:"category"`
	Extra     string         `json:"extra"`
	Source    int            `json:"source"`
}

// InputEnvelope answers a pending input prompt (or opens a free-text
// turn). File paths ride both in the body text and in the structured
// dialog_files_content slot.
func InputEnvelope(chatID, flowID string, pending chat.PendingInput, text string, values map[string]any, files []string) Envelope {
	if values == nil {
		values = map[string]any{}
	}
	values["dialog_files_content"] = files

	nodeID := pending.NodeID
	if nodeID == "" {
		nodeID = "input"
	}
	return Envelope{
		Action: ActionInput,
		ChatID: chatID,
		FlowID: flowID,
		Data: map[string]any{
			nodeID: InputData{
				Data:      values,
				Message:   text,
				MessageID: pending.MessageID,
				Category:  string(chat.CategoryQuestion),
				Extra:     "",
				Source:    0,
			},
		},
	}
}

// SkillInputEnvelope wraps the same utterance in the legacy skill and
// assistant shape, which keys inputs flat rather than per node.
func SkillInputEnvelope(chatID, flowID, inputKey, text string, files []string) Envelope {
	data := map[string]any{
		"inputs": map[string]any{
			inputKey: text,
		},
	}
	if len(files) > 0 {
		data["inputs"].(map[string]any)["dialog_files_content"] = files
	}
	return Envelope{Action: ActionInput, ChatID: chatID, FlowID: flowID, Data: data}
}

// StopEnvelope asks the server to halt the in-flight turn. The client
// waits for the close confirmation; nothing is cancelled locally.
func StopEnvelope(chatID, flowID string) Envelope {
	return Envelope{Action: ActionStop, ChatID: chatID, FlowID: flowID}
}

// InitEnvelope opens a brand-new workflow run.
func InitEnvelope(chatID, flowID string) Envelope {
	return Envelope{Action: ActionInitData, ChatID: chatID, FlowID: flowID}
}

// CheckStatusEnvelope resumes an existing workflow run.
func CheckStatusEnvelope(chatID, flowID string) Envelope {
	return Envelope{Action: ActionCheckStatus, ChatID: chatID, FlowID: flowID}
}

// HistoryPrimeEnvelope is the first frame on a skill/assistant socket: it
// tells the server which transcript tail the client already holds.
func HistoryPrimeEnvelope(chatID, flowID, lastMessageID string) Envelope {
	return Envelope{
		Action: ActionInput,
		ChatID: chatID,
		FlowID: flowID,
		Data: map[string]any{
			"history": map[string]any{
				"last_message_id": lastMessageID,
			},
		},
	}
}

// BundleFiles concatenates attachment paths into the outgoing message
// body, matching how the transcript echoes an utterance with files.
func BundleFiles(text string, files []string) string {
	if len(files) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(files, "\n")
	}
	return text + "\n" + strings.Join(files, "\n")
}
