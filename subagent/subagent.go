// Package subagent implements the Sub-Agent Scheduler: it runs a bounded
// number of child agent loops concurrently, each under a depth cap, and
// folds a child's token usage back into its parent's Usage Tracker.
package subagent

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/agentforge/engine/tools"
	"github.com/agentforge/engine/usage"
)

// ErrSubAgentLimit is returned by Spawn when the depth cap or the
// concurrency cap would be exceeded.
var ErrSubAgentLimit = errors.New("subagent: depth or concurrency limit exceeded")

// Kind selects a child's restricted tool catalog.
type Kind string

const (
	// KindExplore restricts the child to read-only tools; sub-agent
	// spawning is itself disabled for explore children.
	KindExplore Kind = "explore"
	// KindGeneral gives the child the full catalog minus anything outside
	// the parent's own capability allowlist.
	KindGeneral Kind = "general"
)

// Runner executes one child agent run to completion and returns its final
// assistant text. Implementations are provided by the Agent Loop package;
// subagent only governs admission (depth/concurrency) and usage rollup.
type Runner func(ctx context.Context, req Request) (Result, error)

// Request describes one child agent invocation.
type Request struct {
	Kind           Kind
	Goal           string
	ParentDepth    int
	TurnBudget     int
	AllowedTools   []tools.Ident
	ParentCatalog  []tools.Spec
}

// Result is what a completed child run hands back to its parent.
type Result struct {
	FinalText string
	Usage     usage.SessionUsage
}

// Options configures a Scheduler.
type Options struct {
	// MaxDepth caps ParentDepth+1; the default is 3.
	MaxDepth int
	// MaxConcurrent caps simultaneously active children; the default is 4.
	MaxConcurrent int
	// TurnReserve is subtracted from the parent's remaining turn budget
	// before it is handed to a child, leaving headroom for the parent to
	// react to the child's result within its own budget.
	TurnReserve int
}

// Scheduler admits, runs, and accounts for sub-agent spawns.
type Scheduler struct {
	opts    Options
	sem     chan struct{}
	active  int64
	run     Runner
	tracker *usage.Tracker
}

// New constructs a Scheduler. tracker, when non-nil, receives every
// completed child's usage via Tracker.Merge.
func New(run Runner, tracker *usage.Tracker, opts Options) *Scheduler {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Scheduler{
		opts:    opts,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		run:     run,
		tracker: tracker,
	}
}

// Spawn runs one child to completion, enforcing the depth and concurrency
// caps, restricting its tool catalog by Kind, passing down a reduced turn
// budget, and merging its usage into the Scheduler's Tracker.
func (s *Scheduler) Spawn(ctx context.Context, req Request) (string, error) {
	if req.ParentDepth+1 > s.opts.MaxDepth {
		return "", ErrSubAgentLimit
	}
	select {
	case s.sem <- struct{}{}:
	default:
		return "", ErrSubAgentLimit
	}
	atomic.AddInt64(&s.active, 1)
	defer func() {
		<-s.sem
		atomic.AddInt64(&s.active, -1)
	}()

	req.AllowedTools = restrictCatalog(req.Kind, req.ParentCatalog, req.AllowedTools)
	budget := req.TurnBudget - s.opts.TurnReserve
	if budget < 1 {
		budget = 1
	}
	req.TurnBudget = budget

	res, err := s.run(ctx, req)
	if err != nil {
		return "", err
	}
	if s.tracker != nil {
		s.tracker.Merge(res.Usage)
	}
	return res.FinalText, nil
}

// Active reports the number of children currently running.
func (s *Scheduler) Active() int {
	return int(atomic.LoadInt64(&s.active))
}

// restrictCatalog computes the tool names a child of the given Kind may
// call: explore children get the read-only subset with spawning disabled;
// general children keep the parent's allowlist intact.
func restrictCatalog(kind Kind, parentCatalog []tools.Spec, parentAllowlist []tools.Ident) []tools.Ident {
	if kind == KindExplore {
		allowed := make([]tools.Ident, 0, len(parentCatalog))
		for _, spec := range parentCatalog {
			if spec.Category == tools.CategoryRead {
				allowed = append(allowed, spec.Name)
			}
		}
		return allowed
	}

	allowSet := make(map[tools.Ident]struct{}, len(parentAllowlist))
	for _, id := range parentAllowlist {
		allowSet[id] = struct{}{}
	}
	if len(allowSet) == 0 {
		out := make([]tools.Ident, 0, len(parentCatalog))
		for _, spec := range parentCatalog {
			out = append(out, spec.Name)
		}
		return out
	}
	out := make([]tools.Ident, 0, len(parentCatalog))
	for _, spec := range parentCatalog {
		if _, ok := allowSet[spec.Name]; ok {
			out = append(out, spec.Name)
		}
	}
	return out
}
