// Package ctxmgr implements the Context Manager: it keeps one run's
// conversation history under the backend's context window by compacting an
// oldest contiguous prefix into a summary message, injects periodic goal
// reminders, and marks cache breakpoints the backend can use for prompt
// caching.
//
// The compaction cadence mirrors the reminder engine's per-run turn counter
// pattern (track a turn sequence, decide on each tick whether a periodic
// action fires) without pulling in a general-purpose reminder registry: the
// Context Manager only ever has one reminder (the goal) and one periodic
// action (compaction), so a dedicated, smaller state machine is clearer than
// reusing a multi-reminder engine built for many concurrent reminder kinds.
package ctxmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/telemetry"
	"github.com/agentforge/engine/transcript"
)

// ErrContextTooLarge is fatal to a run: the protected tail alone exceeds the
// window, so compaction cannot make room for anything else.
var ErrContextTooLarge = errors.New("ctxmgr: protected tail exceeds context window")

// TokenCounter counts the tokens a message will consume once rendered for
// the backend. The Context Manager never hardcodes a tokenizer; callers
// inject one appropriate to their model family.
type TokenCounter interface {
	Count(msg model.Message) int
}

// Summarizer condenses a span of history into a single system-role summary
// message during compaction. When none is configured the Manager uses the
// deterministic DefaultSummary; BackendSummarizer builds one that asks the
// backend itself.
type Summarizer func(ctx context.Context, span []model.Message) (string, error)

// Options configures a Manager. Zero values fall back to spec.md's defaults.
type Options struct {
	// WindowTokens is the backend's context window size in tokens.
	WindowTokens int
	// CompactionThreshold triggers compaction once usage reaches this
	// fraction of WindowTokens. Default 0.92.
	CompactionThreshold float64
	// CompactionTarget is the fraction of WindowTokens compaction aims to
	// drop usage below. Default 0.50.
	CompactionTarget float64
	// ProtectedTailTokens is the suffix of history compaction must never
	// touch. Default 8192.
	ProtectedTailTokens int
	// ReminderInterval is how many turns elapse between goal-reminder
	// injections. Default 10.
	ReminderInterval int
	// Counter computes a message's token cost.
	Counter TokenCounter
	// Summarize condenses a compacted span into a summary message.
	Summarize Summarizer
	// Store is an optional HistoryStore. The Manager keeps it but never
	// calls Save or Load on it.
	Store HistoryStore

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// HistoryStore persists a ConversationHistory so a session survives a crash
// without losing its compaction/turn bookkeeping. store/mongo implements
// this against go.mongodb.org/mongo-driver/v2. The Manager itself works on
// the in-memory History it is given and does not save or load through a
// HistoryStore.
type HistoryStore interface {
	Save(ctx context.Context, sessionID string, h *transcript.History) error
	Load(ctx context.Context, sessionID string) (*transcript.History, error)
}

// Manager is the Context Manager. One Manager serves one run.
type Manager struct {
	opts Options
}

// New constructs a Manager, filling in spec.md's defaults for any zero
// Options field that has one.
func New(opts Options) *Manager {
	if opts.CompactionThreshold == 0 {
		opts.CompactionThreshold = 0.92
	}
	if opts.CompactionTarget == 0 {
		opts.CompactionTarget = 0.50
	}
	if opts.ProtectedTailTokens == 0 {
		opts.ProtectedTailTokens = 8192
	}
	if opts.ReminderInterval == 0 {
		opts.ReminderInterval = 10
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{opts: opts}
}

// Prepare returns the message list to send the backend for history's next
// generation, running compaction first if the window is nearly full and
// injecting a goal reminder every ReminderInterval turns. The last system
// message and the last tool-result message are marked as cache breakpoints.
func (m *Manager) Prepare(ctx context.Context, h *transcript.History) ([]model.Message, error) {
	if err := m.maybeCompact(ctx, h); err != nil {
		return nil, err
	}

	out := append([]model.Message(nil), h.Messages...)

	if h.Turn > 0 && h.Turn%m.opts.ReminderInterval == 0 {
		out = append(out, goalReminder(h.Goal))
	}

	markCacheBreakpoints(out)
	return out, nil
}

// Append records msg onto history. The Context Manager itself does not
// decide turn boundaries (the Agent Loop does, via transcript.History.
// AppendTurn) but exposes Append for single-message writes such as an
// injected system reminder that should become part of the durable history.
func (m *Manager) Append(ctx context.Context, h *transcript.History, msg model.Message) {
	h.Append(msg)
}

// maybeCompact runs the compaction algorithm in spec.md §4.1 when the
// token total of messages since LastCompactionIndex reaches the
// CompactionThreshold fraction of the window.
func (m *Manager) maybeCompact(ctx context.Context, h *transcript.History) error {
	tail := h.Tail()
	total := m.sumTokens(tail)
	threshold := int(float64(m.opts.WindowTokens) * m.opts.CompactionThreshold)
	if m.opts.WindowTokens == 0 || total < threshold {
		return nil
	}

	protected, protectedTokens := m.protectedSuffix(tail)
	if protectedTokens > m.opts.WindowTokens {
		return ErrContextTooLarge
	}

	target := int(float64(m.opts.WindowTokens) * m.opts.CompactionTarget)
	cutLocal := m.findCutPoint(tail, protected, target)
	if cutLocal <= 0 {
		// Nothing outside the protected tail can be dropped.
		return ErrContextTooLarge
	}
	cut := h.LastCompactionIndex + cutLocal

	span := h.Messages[h.LastCompactionIndex:cut]
	summaryText, err := m.summarize(ctx, span, h.Goal)
	if err != nil {
		return fmt.Errorf("ctxmgr: compaction summary failed: %w", err)
	}
	summary := model.Message{
		Role:  model.ConversationRoleSystem,
		Parts: []model.Part{model.TextPart{Text: "earlier context: " + summaryText}},
	}
	h.Compact(cut, summary)
	m.opts.Metrics.IncCounter("ctxmgr.compaction", 1)
	m.opts.Logger.Info(ctx, "ctxmgr: compacted history", "messages_compacted", len(span))
	return nil
}

// protectedSuffix returns the suffix of tail whose token count stays within
// ProtectedTailTokens, walking from the end, plus its token total.
func (m *Manager) protectedSuffix(tail []model.Message) ([]model.Message, int) {
	total := 0
	i := len(tail)
	for i > 0 {
		cost := m.count(tail[i-1])
		if total+cost > m.opts.ProtectedTailTokens && total > 0 {
			break
		}
		total += cost
		i--
	}
	return tail[i:], total
}

// findCutPoint returns the local index (within tail) of the oldest
// contiguous prefix whose removal drops the running total below target,
// never cutting into the protected suffix.
func (m *Manager) findCutPoint(tail []model.Message, protected []model.Message, target int) int {
	limit := len(tail) - len(protected)
	if limit <= 0 {
		return 0
	}
	total := m.sumTokens(tail)
	for i := 0; i < limit; i++ {
		total -= m.count(tail[i])
		if total < target {
			return i + 1
		}
	}
	return limit
}

func (m *Manager) sumTokens(msgs []model.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.count(msg)
	}
	return total
}

func (m *Manager) count(msg model.Message) int {
	if m.opts.Counter == nil {
		return 0
	}
	return m.opts.Counter.Count(msg)
}

func (m *Manager) summarize(ctx context.Context, span []model.Message, goal string) (string, error) {
	if m.opts.Summarize != nil {
		return m.opts.Summarize(ctx, span)
	}
	return DefaultSummary(span, goal), nil
}

// goalReminder builds the synthetic system message restating the run's
// goal, injected every ReminderInterval turns.
func goalReminder(goal string) model.Message {
	text := "reminder: the current goal is: " + goal
	return model.Message{
		Role:  model.ConversationRoleSystem,
		Parts: []model.Part{model.TextPart{Text: text}},
	}
}

// markCacheBreakpoints marks the last system message and the last
// tool-result-bearing message as cache breakpoints, appending a
// CacheCheckpointPart to each. It mutates copies, never the caller's
// original Message values in history (out is already a fresh slice).
func markCacheBreakpoints(msgs []model.Message) {
	lastSystem, lastToolResult := -1, -1
	for i, msg := range msgs {
		switch msg.Role {
		case model.ConversationRoleSystem:
			lastSystem = i
		case model.ConversationRoleUser:
			for _, p := range msg.Parts {
				if _, ok := p.(model.ToolResultPart); ok {
					lastToolResult = i
					break
				}
			}
		}
	}
	for _, idx := range []int{lastSystem, lastToolResult} {
		if idx < 0 {
			continue
		}
		msgs[idx].Parts = append(msgs[idx].Parts, model.CacheCheckpointPart{})
	}
}
