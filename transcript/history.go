// Package transcript holds the append-only conversation history that backs
// one Agent Loop run: an ordered Message sequence plus the goal, turn
// counter, and compaction bookkeeping the Context Manager needs.
//
// The ledger discipline is grounded on the provider-fidelity ordering rule
// (thinking → tool_use → tool_result within one assistant turn): History
// never reorders parts, it only ever appends or replaces a compacted prefix.
package transcript

import "github.com/agentforge/engine/model"

// History is spec.md's ConversationHistory: an ordered sequence of
// Messages, a goal string, a turn counter, and the index of the last
// compaction. Messages are append-only within a run; compaction replaces a
// prefix with a single summary message and advances LastCompactionIndex.
type History struct {
	Messages            []model.Message
	Goal                string
	Turn                int
	LastCompactionIndex int
}

// New constructs an empty History for the given goal.
func New(goal string) *History {
	return &History{Goal: goal}
}

// Append adds a message to the end of the history. History is append-only;
// callers never mutate or remove a previously appended message.
func (h *History) Append(msg model.Message) {
	h.Messages = append(h.Messages, msg)
}

// AppendTurn records one full turn: the assistant message (text/thinking/
// tool-use parts) followed by the tool-result message, if any. Turn is
// incremented once per call, matching the glossary's "Turn" = one backend
// generation plus the subsequent tool-result append phase.
func (h *History) AppendTurn(assistant model.Message, toolResults *model.Message) {
	h.Append(assistant)
	if toolResults != nil {
		h.Append(*toolResults)
	}
	h.Turn++
}

// Tail returns the suffix of Messages starting at LastCompactionIndex — the
// span a compaction pass is allowed to consider.
func (h *History) Tail() []model.Message {
	if h.LastCompactionIndex >= len(h.Messages) {
		return nil
	}
	return h.Messages[h.LastCompactionIndex:]
}

// Compact replaces the prefix [LastCompactionIndex, cut) with a single
// summary message and advances LastCompactionIndex past it. cut must be a
// valid index within Tail(); callers (ctxmgr) are responsible for choosing a
// cut point that respects the protected tail.
func (h *History) Compact(cut int, summary model.Message) {
	start := h.LastCompactionIndex
	if cut <= start || cut > len(h.Messages) {
		return
	}
	rest := append([]model.Message{summary}, h.Messages[cut:]...)
	h.Messages = append(append([]model.Message{}, h.Messages[:start]...), rest...)
	h.LastCompactionIndex = start + 1
}

// Clone returns a deep-enough copy safe for a reader to inspect while the
// owning Agent Loop continues to append (message slices are copied; part
// values are immutable by convention once appended).
func (h *History) Clone() *History {
	cp := &History{
		Goal:                h.Goal,
		Turn:                h.Turn,
		LastCompactionIndex: h.LastCompactionIndex,
	}
	cp.Messages = append([]model.Message(nil), h.Messages...)
	return cp
}
