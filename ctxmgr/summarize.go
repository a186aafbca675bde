package ctxmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforge/engine/model"
)

// DefaultSummary builds a deterministic fallback summary when no backend
// Summarizer is configured. It is intentionally conservative: it preserves
// the goal and every tool-call identifier seen in span, satisfying the
// "compaction preserves goal & tail" property even without a live backend.
// It is not used as a fallback when a configured Summarizer returns an
// error; that error fails the compaction.
func DefaultSummary(span []model.Message, goal string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s. ", goal)
	fmt.Fprintf(&b, "%d earlier messages condensed.", len(span))
	var callIDs []string
	for _, msg := range span {
		for _, p := range msg.Parts {
			if tu, ok := p.(model.ToolUsePart); ok {
				callIDs = append(callIDs, tu.ID)
			}
		}
	}
	if len(callIDs) > 0 {
		fmt.Fprintf(&b, " tool calls referenced: %s.", strings.Join(callIDs, ", "))
	}
	return b.String()
}

// BackendSummarizer returns a Summarizer that asks a model.Client to
// condense span into a single paragraph, instructed to preserve the goal
// and any tool-call identifiers mentioned in the span — the chosen answer
// to the open question of what the compaction summariser prompt should be.
func BackendSummarizer(client model.Client) Summarizer {
	return func(ctx context.Context, span []model.Message) (string, error) {
		instruction := model.Message{
			Role: model.ConversationRoleSystem,
			Parts: []model.Part{model.TextPart{Text: "Summarize the following conversation span in one paragraph. " +
				"Preserve the user's goal and any tool-call identifiers referenced, so the rest of the " +
				"conversation can still make sense of them."}},
		}
		req := &model.Request{
			Messages: append([]*model.Message{&instruction}, toPointers(span)...),
		}
		resp, err := client.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, msg := range resp.Content {
			for _, p := range msg.Parts {
				if tp, ok := p.(model.TextPart); ok {
					b.WriteString(tp.Text)
				}
			}
		}
		return b.String(), nil
	}
}

func toPointers(msgs []model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out
}
