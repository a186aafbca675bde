package ctxmgr

import (
	"context"
	"testing"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedCounter charges a constant cost per message, letting tests reason
// about exact token totals without a real tokenizer.
type fixedCounter struct{ perMessage int }

func (c fixedCounter) Count(model.Message) int { return c.perMessage }

func textMsg(role model.ConversationRole, text string) model.Message {
	return model.Message{Role: role, Parts: []model.Part{model.TextPart{Text: text}}}
}

func TestPrepareInjectsGoalReminderOnInterval(t *testing.T) {
	h := transcript.New("ship the feature")
	h.Append(textMsg(model.ConversationRoleUser, "hello"))
	h.Turn = 10

	mgr := New(Options{Counter: fixedCounter{perMessage: 1}, ReminderInterval: 10})
	msgs, err := mgr.Prepare(context.Background(), h)
	require.NoError(t, err)

	found := false
	for _, m := range msgs {
		if m.Role != model.ConversationRoleSystem {
			continue
		}
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok && tp.Text == "reminder: the current goal is: ship the feature" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected goal reminder in prepared messages")
}

func TestCompactionPreservesGoalAndProtectedTail(t *testing.T) {
	h := transcript.New("finish the migration")
	// 20 messages at 1000 tokens each; protected tail = 3 messages (3000 tokens).
	for i := 0; i < 20; i++ {
		h.Append(textMsg(model.ConversationRoleUser, "turn"))
	}

	mgr := New(Options{
		WindowTokens:        10000,
		Counter:             fixedCounter{perMessage: 1000},
		ProtectedTailTokens: 3000,
		CompactionThreshold: 0.92,
		CompactionTarget:    0.50,
	})

	tail := append([]model.Message(nil), h.Messages[len(h.Messages)-3:]...)

	_, err := mgr.Prepare(context.Background(), h)
	require.NoError(t, err)

	// The last 3 messages (the protected tail) must still be present verbatim.
	require.GreaterOrEqual(t, len(h.Messages), 3)
	got := h.Messages[len(h.Messages)-3:]
	for i := range tail {
		assert.Equal(t, tail[i].Role, got[i].Role)
	}

	// A summary message mentioning the goal must have been inserted.
	foundGoal := false
	for _, m := range h.Messages {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok && contains(tp.Text, "finish the migration") {
				foundGoal = true
			}
		}
	}
	assert.True(t, foundGoal, "expected compaction summary to mention the goal")
}

func TestContextTooLargeWhenProtectedTailExceedsWindow(t *testing.T) {
	h := transcript.New("goal")
	for i := 0; i < 5; i++ {
		h.Append(textMsg(model.ConversationRoleUser, "turn"))
	}
	mgr := New(Options{
		WindowTokens:        1000,
		Counter:             fixedCounter{perMessage: 2000},
		ProtectedTailTokens: 8192,
	})
	_, err := mgr.Prepare(context.Background(), h)
	assert.ErrorIs(t, err, ErrContextTooLarge)
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
