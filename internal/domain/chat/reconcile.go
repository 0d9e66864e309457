package chat

import "strings"

// OpKind enumerates the transcript edits the classifier can emit.
type OpKind uint8

const (
	OpAppend OpKind = iota
	OpReplace
	OpMergePrev
	OpRemove
	OpCloseAll
)

// Op is one tagged transcript edit. Classification produces a short list
// of ops; Apply interprets them. Splitting the two keeps the dedup/cover
// rule testable on its own.
type Op struct {
	Kind OpKind
	At   int     // OpReplace target index
	ID   string  // OpRemove target id
	Msg  Message // OpAppend / OpReplace payload
}

// Outcome carries everything an event produces besides transcript edits:
// ephemeral UI state inputs consumed by the running-state machine.
type Outcome struct {
	GuideWord     string
	GuideQuestion string
	PendingInput  *PendingInput
	InputTab      string
	InputSchema   map[string]any
	Err           *AppError
	TurnClosed    bool // close/processing confirmation of a stopped turn
	Terminal      bool // main answer thread reached its terminal event
	Streaming     bool // a delta landed on the main answer thread
}

// Reduce folds one event into the transcript. Pure: the input slice is
// never mutated. The caller must serialize calls per conversation.
func Reduce(msgs []Message, ev Event) ([]Message, Outcome) {
	ops, out := Classify(msgs, ev)
	return Apply(msgs, ops), out
}

// Classify turns an event into transcript ops plus derived-state outputs.
func Classify(msgs []Message, ev Event) ([]Op, Outcome) {
	var out Outcome
	switch ev.Category {
	case CategoryError:
		out.Err = &AppError{Code: ev.Code, Reason: ev.Text}
		return nil, out
	case CategoryGuideWord:
		out.GuideWord = ev.Text
		return nil, out
	case CategoryGuideQuestion:
		out.GuideQuestion = ev.Text
		return nil, out
	case CategoryInput:
		out.PendingInput = &PendingInput{NodeID: ev.NodeID, MessageID: ev.MessageID}
		out.InputTab = ev.InputTab
		out.InputSchema = ev.InputSchema
		return nil, out
	case CategoryNodeRun:
		return classifyNodeRun(ev), out
	case CategoryStreamMsg:
		return classifyWorkflowStream(msgs, ev, &out), out
	case CategoryQuestion:
		// Locally-echoed user utterance; appended verbatim, no dedup.
		return []Op{{Kind: OpAppend, Msg: questionMessage(ev)}}, out
	case CategoryProcessing:
		if ev.Phase == PhaseClose {
			out.TurnClosed = true
			return nil, out
		}
		return nil, out
	default:
		return classifyChatStream(msgs, ev, &out), out
	}
}

// Apply interprets classification ops against a copy of the transcript.
func Apply(msgs []Message, ops []Op) []Message {
	if len(ops) == 0 {
		return msgs
	}
	res := make([]Message, len(msgs), len(msgs)+1)
	copy(res, msgs)
	for _, op := range ops {
		switch op.Kind {
		case OpAppend:
			res = append(res, op.Msg)
		case OpReplace:
			if op.At >= 0 && op.At < len(res) {
				res[op.At] = op.Msg
			}
		case OpMergePrev:
			res = mergeWithPrevious(res)
		case OpRemove:
			res = removeByID(res, op.ID)
		case OpCloseAll:
			for i := range res {
				res[i].End = true
			}
		}
	}
	return res
}

// classifyNodeRun handles workflow node lifecycle markers. Output and
// condition nodes are implementation-internal and never shown; a type=end
// marker retracts the running entry instead of appending one.
func classifyNodeRun(ev Event) []Op {
	if ev.Phase == PhaseEnd {
		return []Op{{Kind: OpRemove, ID: ev.UniqueID}}
	}
	if strings.HasPrefix(ev.NodeID, "output") || strings.HasPrefix(ev.NodeID, "condition") {
		return nil
	}
	id := ev.UniqueID
	if id == "" {
		id = newLocalID()
	}
	return []Op{{Kind: OpAppend, Msg: Message{
		ID:         id,
		Category:   CategoryNodeRun,
		IsBot:      true,
		Text:       ev.Text,
		NodeID:     ev.NodeID,
		CreateTime: ev.Received,
	}}}
}

// classifyWorkflowStream accumulates node output deltas keyed by
// unique_id+output_key. The terminal payload is authoritative: it replaces
// the client-side accumulation wholesale.
func classifyWorkflowStream(msgs []Message, ev Event, out *Outcome) []Op {
	key := ev.UniqueID + ev.OutputKey
	idx := openWorkflowIndex(msgs, key)

	if ev.Phase == PhaseEnd {
		out.Terminal = true
		if idx < 0 {
			// Duplicate terminal delivery lands on the already-closed
			// entry instead of appending a second one.
			idx = workflowIndex(msgs, key)
		}
		final := workflowFinal(msgs, idx, ev, key)
		if final.ContentEmpty() {
			// A stream that opened and closed with nothing to show.
			if idx >= 0 {
				return []Op{{Kind: OpRemove, ID: msgs[idx].ID}}
			}
			return nil
		}
		if idx >= 0 {
			return []Op{{Kind: OpReplace, At: idx, Msg: final}}
		}
		return []Op{{Kind: OpAppend, Msg: final}}
	}

	out.Streaming = true
	if idx < 0 {
		id := ev.MessageID
		if id == "" {
			id = key
		}
		if id == "" {
			id = newLocalID()
		}
		return []Op{{Kind: OpAppend, Msg: Message{
			ID:           id,
			Category:     ev.Category,
			IsBot:        true,
			Text:         ev.Text,
			ReasoningLog: ev.Reasoning,
			ThreadKey:    key,
			CreateTime:   ev.Received,
		}}}
	}
	cp := msgs[idx]
	cp.Text += ev.Text
	cp.ReasoningLog += ev.Reasoning
	return []Op{{Kind: OpReplace, At: idx, Msg: cp}}
}

func workflowFinal(msgs []Message, idx int, ev Event, key string) Message {
	var final Message
	if idx >= 0 {
		final = msgs[idx]
	} else {
		final = Message{Category: ev.Category, IsBot: true, ThreadKey: key, CreateTime: ev.Received}
	}
	final.Text = ev.Text
	if len(ev.Outputs) > 0 {
		// Keyed multi-output node: the map replaces the flat text and
		// output_key selects what renders.
		final.Outputs = ev.Outputs
		final.ChatKey = ev.OutputKey
	}
	if ev.MessageID != "" {
		final.ID = ev.MessageID
	} else if final.ID == "" {
		final.ID = newLocalID()
	}
	// Reasoning is never overwritten by the authoritative close.
	final.ReasoningLog += ev.Reasoning
	if len(ev.Files) > 0 {
		final.Files = ev.Files
	}
	final.End = true
	return final
}

// classifyChatStream handles the skill/assistant dialect. The thread key
// is the latest non-run-log message, except run-log categories which
// correlate by extra, supporting nested tool/flow/knowledge threads.
func classifyChatStream(msgs []Message, ev Event, out *Outcome) []Op {
	idx := chatThreadIndex(msgs, ev)

	switch ev.Phase {
	case PhaseBegin, PhaseStart:
		open := openFromEvent(ev)
		return dedupAfterAppend(msgs, open)
	case PhaseStream:
		if !ev.Category.IsRunLog() {
			out.Streaming = true
		}
		if idx >= 0 && !msgs[idx].End {
			cp := msgs[idx]
			cp.Text += ev.Text
			cp.ReasoningLog += ev.Reasoning
			cp.Thought = joinThought(cp.Thought, ev.Steps)
			return []Op{{Kind: OpReplace, At: idx, Msg: cp}}
		}
		return dedupAfterAppend(msgs, openFromEvent(ev))
	case PhaseEnd, PhaseOver, PhaseClose, PhaseEndCover:
		if ev.Phase == PhaseEndCover {
			// Security-audit truncation: when the turn being covered is a
			// tool call, the backend is retroactively invalidating the
			// whole in-flight turn. Close everything, append nothing.
			if hasOpenTool(msgs) {
				out.Terminal = true
				return []Op{{Kind: OpCloseAll}}
			}
		}
		if !ev.Category.IsRunLog() {
			out.Terminal = true
		}
		final := chatFinal(msgs, idx, ev)
		if idx >= 0 && !msgs[idx].End {
			if final.ContentEmpty() {
				return []Op{{Kind: OpRemove, ID: msgs[idx].ID}}
			}
			return []Op{{Kind: OpReplace, At: idx, Msg: final}}
		}
		if final.ContentEmpty() {
			return nil
		}
		if ev.Cover {
			return []Op{{Kind: OpAppend, Msg: final}, {Kind: OpMergePrev}}
		}
		return dedupAfterAppend(msgs, final)
	}
	return nil
}

// dedupAfterAppend emits an append, collapsed into the predecessor when
// the transcript would otherwise hold two byte-identical bot entries
// (duplicate delivery of the same payload).
func dedupAfterAppend(msgs []Message, m Message) []Op {
	ops := []Op{{Kind: OpAppend, Msg: m}}
	if n := len(msgs); n > 0 {
		prev := msgs[n-1]
		if prev.IsBot && m.IsBot && prev.Text == m.Text && prev.Thought == m.Thought {
			ops = append(ops, Op{Kind: OpMergePrev})
		}
	}
	return ops
}

func openFromEvent(ev Event) Message {
	id := ev.MessageID
	if id == "" {
		id = newLocalID()
	}
	return Message{
		ID:           id,
		Category:     ev.Category,
		IsBot:        true,
		Text:         ev.Text,
		Thought:      ev.Steps,
		ReasoningLog: ev.Reasoning,
		Extra:        ev.Extra,
		Files:        ev.Files,
		Source:       ev.Source,
		Receiver:     ev.Receiver,
		CreateTime:   ev.Received,
	}
}

// chatFinal builds the closed form of the thread message. The closing
// payload's fields win over the accumulation wherever the server set them.
func chatFinal(msgs []Message, idx int, ev Event) Message {
	var final Message
	if idx >= 0 {
		final = msgs[idx]
	} else {
		final = openFromEvent(ev)
	}
	if ev.MessageID != "" {
		final.ID = ev.MessageID
	} else if final.ID == "" {
		final.ID = newLocalID()
	}
	if ev.Text != "" {
		final.Text = ev.Text
	}
	if ev.Steps != "" && idx >= 0 {
		final.Thought = joinThought(final.Thought, ev.Steps)
	}
	final.ReasoningLog += ev.Reasoning
	if len(ev.Files) > 0 {
		final.Files = ev.Files
	}
	if ev.Source != 0 {
		final.Source = ev.Source
	}
	final.End = true
	return final
}

func questionMessage(ev Event) Message {
	id := ev.MessageID
	if id == "" {
		id = newLocalID()
	}
	return Message{
		ID:         id,
		Category:   CategoryQuestion,
		Text:       ev.Text,
		Files:      ev.Files,
		Sender:     "",
		CreateTime: ev.Received,
		// A question never receives deltas; it is born closed so it can
		// never be targeted as the open answer thread.
		End: true,
	}
}

// chatThreadIndex resolves the thread target: run-log categories match by
// extra equality, everything else targets the latest bot message outside
// the run log. User questions are never delta targets.
func chatThreadIndex(msgs []Message, ev Event) int {
	if ev.Category.IsRunLog() {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Category.IsRunLog() && msgs[i].Extra == ev.Extra {
				return i
			}
		}
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsBot && !msgs[i].Category.IsRunLog() {
			return i
		}
	}
	return -1
}

func openWorkflowIndex(msgs []Message, key string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ThreadKey == key && !msgs[i].End {
			return i
		}
	}
	return -1
}

func workflowIndex(msgs []Message, key string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ThreadKey == key {
			return i
		}
	}
	return -1
}

// hasOpenTool reports whether an in-flight tool call is still open; an
// end_cover arriving in that situation is a retroactive invalidation of
// the whole turn, not a normal close.
func hasOpenTool(msgs []Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].End && msgs[i].Category == CategoryTool {
			return true
		}
	}
	return false
}

func removeByID(msgs []Message, id string) []Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i:i], msgs[i+1:]...)
		}
	}
	return msgs
}

// mergeWithPrevious collapses the last two entries into one, preferring
// the newest authoritative fields but never discarding a reasoning log.
func mergeWithPrevious(msgs []Message) []Message {
	n := len(msgs)
	if n < 2 {
		return msgs
	}
	prev, last := msgs[n-2], msgs[n-1]
	merged := last
	if merged.ReasoningLog == "" {
		merged.ReasoningLog = prev.ReasoningLog
	}
	if merged.ID == "" {
		merged.ID = prev.ID
	}
	if !prev.CreateTime.IsZero() {
		merged.CreateTime = prev.CreateTime
	}
	return append(msgs[:n-2:n-2], merged)
}
