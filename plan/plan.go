// Package plan implements the Plan-and-Execute Orchestrator: a
// Planner/Executor/Evaluator loop layered above the Agent Loop, with
// replan semantics and dependency-aware step skipping.
package plan

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentforge/engine/toolerrors"
)

// StepStatus is a step's position in the Pending -> (Running | Skipped) ->
// (Completed | Failed) state machine.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one unit of work in a Plan. DependsOn holds the indices of steps
// that must not be Failed or Skipped before this step may run.
type Step struct {
	Index       int
	Description string
	DependsOn   []int
	Status      StepStatus
	Result      StepResult
}

// StepResult is what an Executor hands back for one step.
type StepResult struct {
	Success   bool
	Output    any
	Err       *toolerrors.ToolError
	RetryHint *toolerrors.RetryHint
}

// Plan is an ordered sequence of steps toward a goal. Replan produces a new
// Plan; the orchestrator never mutates a Plan's step order in place.
type Plan struct {
	Goal  string
	Steps []*Step
}

// ActionKind is the Evaluator's verdict on a completed step.
type ActionKind string

const (
	ActionContinue ActionKind = "continue"
	ActionReplan   ActionKind = "replan"
	ActionAbort    ActionKind = "abort"
)

// Action carries the Evaluator's verdict plus, for Replan and Abort, the
// reason to surface in the event stream.
type Action struct {
	Kind   ActionKind
	Reason string
}

func Continue() Action          { return Action{Kind: ActionContinue} }
func Replan(reason string) Action { return Action{Kind: ActionReplan, Reason: reason} }
func Abort(reason string) Action  { return Action{Kind: ActionAbort, Reason: reason} }

// Planner produces and revises plans. Implementations typically wrap a
// model.Client to turn a goal into a step sequence.
type Planner interface {
	CreatePlan(ctx context.Context, goal string) (*Plan, error)
	Replan(ctx context.Context, plan *Plan, reason string) (*Plan, error)
}

// Evaluator judges a step's result independently of whether the step itself
// reported success, deciding whether the plan continues, replans, or aborts.
type Evaluator interface {
	Evaluate(ctx context.Context, plan *Plan, step *Step, result StepResult) (Action, error)
}

// Executor runs one step and streams its sub-events. The final Event on the
// channel must carry EventStepCompleted and the step's StepResult; the
// orchestrator re-emits that terminal event and discards the rest.
type Executor interface {
	ExecuteStep(ctx context.Context, plan *Plan, step *Step) (<-chan Event, error)
}

// EventType discriminates the PlanEvent union Execute streams out.
type EventType string

const (
	EventPlanCreated   EventType = "plan_created"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventReplan        EventType = "replan"
	EventPlanCompleted EventType = "plan_completed"
	EventPlanAborted   EventType = "plan_aborted"
)

// Event is one item in the stream Execute produces.
type Event struct {
	Type    EventType
	Plan    *Plan
	Step    *Step
	Result  StepResult
	Reason  string
	Summary string
}

// Options configures an Orchestrator.
type Options struct {
	// MaxReplans caps the number of Replan actions honored per Execute call;
	// the default is 3.
	MaxReplans int
	// ReplanPacing is the minimum interval between successive calls to
	// Planner.Replan, enforced via a token-bucket limiter so a planner stuck
	// in a replan loop cannot hammer the backend; the default is one second.
	ReplanPacing time.Duration
}

// Orchestrator drives the Planner/Executor/Evaluator loop.
type Orchestrator struct {
	planner       Planner
	evaluator     Evaluator
	executor      Executor
	opts          Options
	replanLimiter *rate.Limiter
}

// New constructs an Orchestrator, filling in defaults for zero-valued
// options.
func New(planner Planner, evaluator Evaluator, executor Executor, opts Options) *Orchestrator {
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = 3
	}
	if opts.ReplanPacing <= 0 {
		opts.ReplanPacing = time.Second
	}
	return &Orchestrator{
		planner:       planner,
		evaluator:     evaluator,
		executor:      executor,
		opts:          opts,
		replanLimiter: rate.NewLimiter(rate.Every(opts.ReplanPacing), 1),
	}
}

// Execute runs goal to completion, streaming PlanEvents into the returned
// channel. The channel is closed after a PlanCompleted or PlanAborted event.
func (o *Orchestrator) Execute(ctx context.Context, goal string) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		o.run(ctx, goal, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, goal string, out chan<- Event) {
	p, err := o.planner.CreatePlan(ctx, goal)
	if err != nil {
		out <- Event{Type: EventPlanAborted, Reason: fmt.Sprintf("planner failed: %v", err)}
		return
	}
	out <- Event{Type: EventPlanCreated, Plan: p}

	replans := 0
	i := 0
	for i < len(p.Steps) {
		if ctx.Err() != nil {
			out <- Event{Type: EventPlanAborted, Plan: p, Reason: ctx.Err().Error()}
			return
		}

		step := p.Steps[i]
		if dependencyBlocked(p, step) {
			step.Status = StepSkipped
			i++
			continue
		}

		step.Status = StepRunning
		out <- Event{Type: EventStepStarted, Plan: p, Step: step}

		result, err := o.runStep(ctx, p, step)
		if err != nil {
			out <- Event{Type: EventPlanAborted, Plan: p, Reason: fmt.Sprintf("executor failed: %v", err)}
			return
		}
		if result.Success {
			step.Status = StepCompleted
		} else {
			step.Status = StepFailed
		}
		step.Result = result
		out <- Event{Type: EventStepCompleted, Plan: p, Step: step, Result: result}

		action, err := o.evaluator.Evaluate(ctx, p, step, result)
		if err != nil {
			out <- Event{Type: EventPlanAborted, Plan: p, Reason: fmt.Sprintf("evaluator failed: %v", err)}
			return
		}

		switch action.Kind {
		case ActionAbort:
			out <- Event{Type: EventPlanAborted, Plan: p, Reason: action.Reason}
			return
		case ActionReplan:
			replans++
			if replans > o.opts.MaxReplans {
				out <- Event{Type: EventPlanAborted, Plan: p, Reason: "maximum replan attempts exceeded"}
				return
			}
			if err := o.replanLimiter.Wait(ctx); err != nil {
				out <- Event{Type: EventPlanAborted, Plan: p, Reason: err.Error()}
				return
			}
			next, err := o.planner.Replan(ctx, p, action.Reason)
			if err != nil {
				out <- Event{Type: EventPlanAborted, Plan: p, Reason: fmt.Sprintf("replan failed: %v", err)}
				return
			}
			p = next
			out <- Event{Type: EventReplan, Plan: p, Reason: action.Reason}
			i = 0
		default:
			i++
		}
	}

	completed := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	out <- Event{Type: EventPlanCompleted, Plan: p, Summary: fmt.Sprintf("%d/%d", completed, len(p.Steps))}
}

// runStep drains the Executor's sub-stream and returns the terminal
// StepCompleted result.
func (o *Orchestrator) runStep(ctx context.Context, p *Plan, step *Step) (StepResult, error) {
	sub, err := o.executor.ExecuteStep(ctx, p, step)
	if err != nil {
		return StepResult{}, err
	}
	var last Event
	var saw bool
	for ev := range sub {
		if ev.Type == EventStepCompleted {
			last = ev
			saw = true
		}
	}
	if !saw {
		return StepResult{Success: false, Err: toolerrors.New("executor produced no terminal result")}, nil
	}
	return last.Result, nil
}

func dependencyBlocked(p *Plan, step *Step) bool {
	for _, dep := range step.DependsOn {
		if dep < 0 || dep >= len(p.Steps) {
			continue
		}
		switch p.Steps[dep].Status {
		case StepFailed, StepSkipped:
			return true
		}
	}
	return false
}
