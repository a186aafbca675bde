// Package agentloop implements the Agent Loop: the Generate→Dispatch→
// Append→CheckTermination state machine that drives one conversation
// turn at a time, streaming typed Events to its caller.
package agentloop

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/agentforge/engine/ctxmgr"
	"github.com/agentforge/engine/mode"
	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/permission"
	"github.com/agentforge/engine/tools"
	"github.com/agentforge/engine/toolregistry"
	"github.com/agentforge/engine/transcript"
	"github.com/agentforge/engine/usage"
)

// EventType discriminates the Event union the loop streams out.
type EventType string

const (
	EventAssistantText      EventType = "assistant_text"
	EventToolCallRequested  EventType = "tool_call_requested"
	EventToolCallCompleted  EventType = "tool_call_completed"
	EventTokenUsage         EventType = "token_usage"
	EventError              EventType = "error"
	EventFinished           EventType = "finished"
)

// ErrorKind classifies an EventError.
type ErrorKind string

const (
	ErrorKindTransient        ErrorKind = "transient"
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	ErrorKindToolFailure      ErrorKind = "tool_failure"
	ErrorKindContextTooLarge  ErrorKind = "context_too_large"
	ErrorKindBudgetExceeded   ErrorKind = "budget_exceeded"
	ErrorKindBackendError     ErrorKind = "backend_error"
	ErrorKindCancelled        ErrorKind = "cancelled"
)

// FinishReason explains why a Run ended.
type FinishReason string

const (
	FinishReasonDone           FinishReason = "done"
	FinishReasonTurnBudget     FinishReason = "turn_budget"
	FinishReasonBudgetExceeded FinishReason = "budget_exceeded"
	FinishReasonCancelled      FinishReason = "cancelled"
	FinishReasonBackendError   FinishReason = "backend_error"
	FinishReasonContextTooLarge FinishReason = "context_too_large"
)

// Event is one item in the stream Run produces.
type Event struct {
	Type         EventType
	Text         string
	ToolName     tools.Ident
	ToolArgs     []byte
	ToolResult   tools.Result
	Elapsed      time.Duration
	InputTokens  int
	OutputTokens int
	ErrorKind    ErrorKind
	Message      string
	Reason       FinishReason
}

// RetryPolicy is the exponential-backoff schedule for transient backend
// failures: base 500ms, factor 2, jitter +/-20%, max 3 attempts.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	Jitter     float64
	MaxRetries int
}

// DefaultRetryPolicy matches the contract's retry shape.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Factor: 2, Jitter: 0.2, MaxRetries: 2}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.Base) * pow(p.Factor, attempt)
	j := d * p.Jitter
	d += j*2*rand.Float64() - j
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Options configures one Loop.
type Options struct {
	Model        model.Client
	ModelID      string
	ContextMgr   *ctxmgr.Manager
	ModeManager  *mode.Manager
	Permission   *permission.Evaluator
	Registry     *toolregistry.Registry
	Limiter      *usage.Limiter
	Retry        RetryPolicy
	MaxToolTurns int
}

// Loop runs one agent conversation to completion, emitting Events into a
// bounded channel the caller drains.
type Loop struct {
	opts Options
}

// New constructs a Loop, filling in spec.md's defaults for zero-valued
// options (maxToolTurns=25, default retry policy).
func New(opts Options) *Loop {
	if opts.MaxToolTurns <= 0 {
		opts.MaxToolTurns = 25
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Loop{opts: opts}
}

// Run drives the state machine to completion against h, streaming Events
// into the returned channel. The channel is closed after a Finished event.
// Cancelling ctx finishes the in-flight tool call (the loop does not abort
// it) then emits Finished(reason=Cancelled).
func (l *Loop) Run(ctx context.Context, h *transcript.History) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		l.run(ctx, h, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, h *transcript.History, out chan<- Event) {
	turns := 0
	for {
		if ctx.Err() != nil {
			out <- Event{Type: EventFinished, Reason: FinishReasonCancelled}
			return
		}
		if turns >= l.opts.MaxToolTurns {
			out <- Event{Type: EventFinished, Reason: FinishReasonTurnBudget}
			return
		}
		if l.opts.Limiter != nil {
			if res := l.opts.Limiter.CheckLimits(ctx); res.ShouldStop {
				out <- Event{Type: EventFinished, Reason: FinishReasonBudgetExceeded}
				return
			}
		}

		messages, err := l.opts.ContextMgr.Prepare(ctx, h)
		if err != nil {
			if errors.Is(err, ctxmgr.ErrContextTooLarge) {
				out <- Event{Type: EventError, ErrorKind: ErrorKindContextTooLarge, Message: err.Error()}
				out <- Event{Type: EventFinished, Reason: FinishReasonContextTooLarge}
				return
			}
			out <- Event{Type: EventError, ErrorKind: ErrorKindBackendError, Message: err.Error()}
			out <- Event{Type: EventFinished, Reason: FinishReasonBackendError}
			return
		}

		catalog := l.opts.Registry.Catalog()
		if l.opts.ModeManager != nil {
			catalog = l.opts.ModeManager.Filter(catalog)
		}

		resp, err := l.generateTurn(ctx, messages, catalog)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				out <- Event{Type: EventFinished, Reason: FinishReasonCancelled}
				return
			}
			out <- Event{Type: EventError, ErrorKind: ErrorKindBackendError, Message: err.Error()}
			out <- Event{Type: EventFinished, Reason: FinishReasonBackendError}
			return
		}

		if l.opts.Limiter != nil {
			l.opts.Limiter.Record(ctx, l.opts.ModelID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		out <- Event{Type: EventTokenUsage, InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}

		assistantMsg := model.Message{Role: model.ConversationRoleAssistant, Parts: flattenParts(resp.Content)}
		for _, p := range assistantMsg.Parts {
			if t, ok := p.(model.TextPart); ok {
				out <- Event{Type: EventAssistantText, Text: t.Text}
			}
		}

		if len(resp.ToolCalls) == 0 {
			h.AppendTurn(assistantMsg, nil)
			out <- Event{Type: EventFinished, Reason: FinishReasonDone}
			return
		}

		for _, tc := range resp.ToolCalls {
			out <- Event{Type: EventToolCallRequested, ToolName: tc.Name, ToolArgs: tc.Payload}
		}

		results := l.dispatchTools(ctx, resp.ToolCalls, catalog)
		toolMsg := model.Message{Role: model.ConversationRoleUser, Parts: resultsToParts(resp.ToolCalls, results)}
		for i, tc := range resp.ToolCalls {
			out <- Event{Type: EventToolCallCompleted, ToolName: tc.Name, ToolResult: results[i]}
		}

		h.AppendTurn(assistantMsg, &toolMsg)
		turns++
	}
}

func flattenParts(msgs []model.Message) []model.Part {
	var parts []model.Part
	for _, m := range msgs {
		parts = append(parts, m.Parts...)
	}
	return parts
}

func (l *Loop) generateTurn(ctx context.Context, messages []model.Message, catalog []tools.Spec) (*model.Response, error) {
	req := &model.Request{Model: l.opts.ModelID, Messages: toPointers(messages), Tools: toolDefs(catalog)}
	var lastErr error
	for attempt := 0; attempt <= l.opts.Retry.MaxRetries; attempt++ {
		resp, err := l.opts.Model.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		if attempt == l.opts.Retry.MaxRetries {
			break
		}
		select {
		case <-time.After(l.opts.Retry.delay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	return errors.Is(err, model.ErrRateLimited) || errors.Is(err, model.ErrTransient)
}

// dispatchTools consults the Permission Evaluator for each call, denies
// becoming a synthesized ToolResult, and runs independently-idempotent
// calls concurrently while preserving result ordering by call index.
func (l *Loop) dispatchTools(ctx context.Context, calls []model.ToolCall, catalog []tools.Spec) []tools.Result {
	results := make([]tools.Result, len(calls))
	specByName := make(map[tools.Ident]tools.Spec, len(catalog))
	for _, s := range catalog {
		specByName[s.Name] = s
	}

	type job struct {
		index int
		call  tools.Call
		spec  tools.Spec
	}
	var parallel, sequential []job
	for i, tc := range calls {
		call := tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Payload}
		spec := specByName[call.Name]
		j := job{index: i, call: call, spec: spec}
		if spec.Idempotent {
			parallel = append(parallel, j)
		} else {
			sequential = append(sequential, j)
		}
	}

	for _, j := range sequential {
		results[j.index] = l.dispatchOne(ctx, j.call, j.spec)
	}

	if len(parallel) > 0 {
		var wg sync.WaitGroup
		for _, j := range parallel {
			wg.Add(1)
			go func(j job) {
				defer wg.Done()
				results[j.index] = l.dispatchOne(ctx, j.call, j.spec)
			}(j)
		}
		wg.Wait()
	}

	return results
}

func (l *Loop) dispatchOne(ctx context.Context, call tools.Call, spec tools.Spec) tools.Result {
	if l.opts.Permission != nil {
		verdict, err := l.opts.Permission.Evaluate(ctx, spec.Category, string(call.Name))
		if err != nil {
			return tools.Result{CallID: call.ID, ErrorKind: tools.ErrorKindToolFailure, ErrorMessage: err.Error()}
		}
		if verdict.Decision == permission.DecisionDeny {
			return tools.Result{
				CallID:            call.ID,
				ErrorKind:         tools.ErrorKindPermissionDenied,
				ErrorMessage:      verdict.Reason,
				IsPermissionError: true,
			}
		}
	}
	return l.opts.Registry.Dispatch(ctx, call)
}

func resultsToParts(calls []model.ToolCall, results []tools.Result) []model.Part {
	parts := make([]model.Part, 0, len(results))
	for i, r := range results {
		parts = append(parts, model.ToolResultPart{
			ToolUseID:         calls[i].ID,
			Content:           r.Content,
			IsError:           r.ErrorKind != "",
			IsPermissionError: r.IsPermissionError,
		})
	}
	return parts
}

func toolDefs(catalog []tools.Spec) []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(catalog))
	for _, s := range catalog {
		defs = append(defs, &model.ToolDefinition{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
	}
	return defs
}

func toPointers(msgs []model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out
}
