package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentforge/engine/ctxmgr"
	"github.com/agentforge/engine/mode"
	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/permission"
	"github.com/agentforge/engine/tools"
	"github.com/agentforge/engine/toolregistry"
	"github.com/agentforge/engine/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	responses []*model.Response
	errs      []error
	call      int
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	i := c.call
	c.call++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func zeroCounter() ctxmgr.TokenCounter { return countFunc(func(model.Message) int { return 0 }) }

type countFunc func(model.Message) int

func (f countFunc) Count(msg model.Message) int { return f(msg) }

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestLoopTerminatesWithoutToolCalls(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "all done"}}}}},
	}}
	loop := New(Options{
		Model:      client,
		ModelID:    "m",
		ContextMgr: ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:   toolregistry.New(),
	})

	events := drain(loop.Run(context.Background(), transcript.New("reach the goal")))

	var finished *Event
	var sawText bool
	for i := range events {
		if events[i].Type == EventAssistantText {
			sawText = true
		}
		if events[i].Type == EventFinished {
			finished = &events[i]
		}
	}
	require.NotNil(t, finished)
	assert.Equal(t, FinishReasonDone, finished.Reason)
	assert.True(t, sawText)
}

func TestLoopStopsAtTurnBudget(t *testing.T) {
	toolCall := model.ToolCall{ID: "1", Name: "noop", Payload: json.RawMessage(`{}`)}
	resp := &model.Response{ToolCalls: []model.ToolCall{toolCall}}
	client := &scriptedClient{responses: []*model.Response{resp}}

	reg := toolregistry.New()
	require.NoError(t, reg.Register(tools.Spec{Name: "noop", Category: tools.CategoryRead}, func(ctx context.Context, call tools.Call) tools.Result {
		return tools.Result{CallID: call.ID, Content: json.RawMessage(`"ok"`)}
	}))

	loop := New(Options{
		Model:        client,
		ModelID:      "m",
		ContextMgr:   ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:     reg,
		MaxToolTurns: 2,
	})

	events := drain(loop.Run(context.Background(), transcript.New("loop forever")))
	finished := events[len(events)-1]
	assert.Equal(t, EventFinished, finished.Type)
	assert.Equal(t, FinishReasonTurnBudget, finished.Reason)
}

func TestLoopDeniesToolByPermission(t *testing.T) {
	toolCall := model.ToolCall{ID: "1", Name: "rm_rf", Payload: json.RawMessage(`{}`)}
	client := &scriptedClient{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{toolCall}},
		{Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "ack"}}}}},
	}}

	called := false
	reg := toolregistry.New()
	require.NoError(t, reg.Register(tools.Spec{Name: "rm_rf", Category: tools.CategoryBash}, func(ctx context.Context, call tools.Call) tools.Result {
		called = true
		return tools.Result{CallID: call.ID}
	}))

	perm := permission.New([]permission.Rule{{Category: tools.CategoryBash, Pattern: ".*", Decision: permission.DecisionDeny}}, nil)

	loop := New(Options{
		Model:      client,
		ModelID:    "m",
		ContextMgr: ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:   reg,
		Permission: perm,
	})

	events := drain(loop.Run(context.Background(), transcript.New("delete everything")))
	assert.False(t, called, "denied tool must never reach its handler")

	var completed *Event
	for i := range events {
		if events[i].Type == EventToolCallCompleted {
			completed = &events[i]
		}
	}
	require.NotNil(t, completed)
	assert.True(t, completed.ToolResult.IsPermissionError)
}

func TestLoopHidesEditToolsInPlanningMode(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "planned"}}}}},
	}}
	reg := toolregistry.New()
	require.NoError(t, reg.Register(tools.Spec{Name: "write_file", Category: tools.CategoryEdit}, func(ctx context.Context, call tools.Call) tools.Result {
		return tools.Result{CallID: call.ID}
	}))

	modeMgr := mode.New()
	require.NoError(t, modeMgr.Enter(mode.Planning))

	var gotTools []*model.ToolDefinition
	client2 := &trackingClient{scriptedClient: client, capture: &gotTools}

	loop := New(Options{
		Model:       client2,
		ModelID:     "m",
		ContextMgr:  ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:    reg,
		ModeManager: modeMgr,
	})

	drain(loop.Run(context.Background(), transcript.New("plan only")))
	assert.Empty(t, gotTools, "Planning mode must hide Edit-category tools from the model")
}

type trackingClient struct {
	*scriptedClient
	capture *[]*model.ToolDefinition
}

func (c *trackingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	*c.capture = req.Tools
	return c.scriptedClient.Complete(ctx, req)
}

func TestLoopStopsWhenCancelled(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		{Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "x"}}}}},
	}}
	loop := New(Options{
		Model:      client,
		ModelID:    "m",
		ContextMgr: ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:   toolregistry.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := drain(loop.Run(ctx, transcript.New("cancelled goal")))
	require.Len(t, events, 1)
	assert.Equal(t, FinishReasonCancelled, events[0].Reason)
}

func TestRetryPolicyDelayGrowsWithJitter(t *testing.T) {
	p := DefaultRetryPolicy()
	d0 := p.delay(0)
	d1 := p.delay(1)
	assert.Greater(t, int64(d1), int64(time.Duration(float64(d0)*1.2)))
}

func TestIsTransientClassifiesRateLimitAndBackendErrors(t *testing.T) {
	assert.True(t, isTransient(model.ErrRateLimited))
	assert.True(t, isTransient(model.ErrTransient))
	assert.False(t, isTransient(errors.New("bad request")))
}

func TestGenerateTurnRetriesTransientErrors(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{model.ErrTransient, model.ErrRateLimited},
		responses: []*model.Response{nil, nil, {Content: []model.Message{{Parts: []model.Part{model.TextPart{Text: "ok"}}}}}},
	}
	loop := New(Options{
		Model:      client,
		ModelID:    "m",
		ContextMgr: ctxmgr.New(ctxmgr.Options{Counter: zeroCounter()}),
		Registry:   toolregistry.New(),
		Retry:      RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Factor: 1, Jitter: 0},
	})

	resp, err := loop.generateTurn(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "ok", resp.Content[0].Parts[0].(model.TextPart).Text)
	assert.Equal(t, 3, client.call)
}
