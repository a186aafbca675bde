package ctxmgr

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/transcript"
)

// TestCompactionPreservesGoalAndTailProperty checks spec.md §8's invariant
// across a range of history sizes: compaction never touches the goal string
// and never drops any message within the protected tail window.
func TestCompactionPreservesGoalAndTailProperty(t *testing.T) {
	sizes := gen.IntRange(4, 40)
	properties := gopter.NewProperties(nil)

	properties.Property("goal is unchanged and the protected tail survives verbatim", prop.ForAll(
		func(n int) bool {
			h := transcript.New("reach the milestone")
			for i := 0; i < n; i++ {
				h.Append(textMsg(model.ConversationRoleUser, fmt.Sprintf("turn-%d", i)))
			}

			tailCount := 3
			if n < tailCount {
				tailCount = n
			}
			before := idTails(h.Messages, tailCount)

			mgr := New(Options{
				WindowTokens:        10000,
				Counter:             fixedCounter{perMessage: 1000},
				ProtectedTailTokens: 3000,
				CompactionThreshold: 0.92,
				CompactionTarget:    0.50,
			})

			if _, err := mgr.Prepare(context.Background(), h); err != nil {
				// ErrContextTooLarge is a legitimate outcome when the protected
				// tail alone exceeds the window; vacuously satisfies the property.
				return true
			}

			if h.Goal != "reach the milestone" {
				return false
			}
			if len(h.Messages) < tailCount {
				return false
			}
			after := idTails(h.Messages, tailCount)
			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		sizes,
	))

	properties.TestingRun(t)
}

// idTails returns the text of the last n messages' first TextPart, used to
// verify message identity survives compaction untouched.
func idTails(msgs []model.Message, n int) []string {
	if n > len(msgs) {
		n = len(msgs)
	}
	tail := msgs[len(msgs)-n:]
	out := make([]string, 0, len(tail))
	for _, m := range tail {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out = append(out, tp.Text)
				break
			}
		}
	}
	return out
}
