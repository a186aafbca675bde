package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LimitResult carries both the warning and stop status produced by one
// Record/CheckLimits call.
type LimitResult struct {
	Usage            SessionUsage
	TokenWarning     bool
	CostWarning      bool
	ShouldStop       bool
}

// LimiterOptions configures a Limiter.
type LimiterOptions struct {
	MaxSessionTokens int
	MaxSessionCost   float64
	// WarningThreshold is the fraction of a cap at which a warning fires.
	// Default 0.8.
	WarningThreshold float64
	StopOnLimit      bool
	SessionID        string
	Webhook          Sender
}

// Limiter wraps a Tracker with session caps, warning latches, and sticky
// stop behavior.
type Limiter struct {
	mu sync.Mutex

	tracker *Tracker
	opts    LimiterOptions

	tokenWarningSent bool
	costWarningSent  bool
	shouldStop       bool
}

// NewLimiter constructs a Limiter over tracker.
func NewLimiter(tracker *Tracker, opts LimiterOptions) *Limiter {
	if opts.WarningThreshold == 0 {
		opts.WarningThreshold = 0.8
	}
	return &Limiter{tracker: tracker, opts: opts}
}

// Record forwards to the Tracker then re-evaluates limits, firing at most
// one warning webhook per counter per session (the warning latches) and
// making ShouldStop sticky once tripped.
func (l *Limiter) Record(ctx context.Context, modelID string, inputTokens, outputTokens int) LimitResult {
	snap := l.tracker.Record(modelID, inputTokens, outputTokens)
	return l.evaluate(ctx, snap)
}

// CheckLimits re-evaluates the current tracker snapshot without recording a
// new call.
func (l *Limiter) CheckLimits(ctx context.Context) LimitResult {
	return l.evaluate(ctx, l.tracker.Snapshot())
}

// Reset clears the sticky stop flag and warning latches, starting a new
// accounting epoch. It does not reset the underlying Tracker; callers that
// want a fresh SessionUsage call Tracker.Reset separately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokenWarningSent = false
	l.costWarningSent = false
	l.shouldStop = false
}

func (l *Limiter) evaluate(ctx context.Context, snap SessionUsage) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := LimitResult{Usage: snap}

	if l.shouldStop {
		res.ShouldStop = true
		return res
	}

	tokenRatio := ratio(float64(snap.TotalTokens()), float64(l.opts.MaxSessionTokens))
	costRatio := ratio(snap.CostUSD, l.opts.MaxSessionCost)

	if l.opts.MaxSessionTokens > 0 && tokenRatio >= l.opts.WarningThreshold && !l.tokenWarningSent {
		l.tokenWarningSent = true
		res.TokenWarning = true
		l.fire(ctx, EventTokenLimitWarning, snap)
	}
	if l.opts.MaxSessionCost > 0 && costRatio >= l.opts.WarningThreshold && !l.costWarningSent {
		l.costWarningSent = true
		res.CostWarning = true
		l.fire(ctx, EventCostLimitWarning, snap)
	}

	exceeded := (l.opts.MaxSessionTokens > 0 && snap.TotalTokens() >= l.opts.MaxSessionTokens) ||
		(l.opts.MaxSessionCost > 0 && snap.CostUSD >= l.opts.MaxSessionCost)
	if exceeded && l.opts.StopOnLimit {
		l.shouldStop = true
	}
	res.ShouldStop = l.shouldStop
	return res
}

func (l *Limiter) fire(ctx context.Context, eventType EventType, snap SessionUsage) {
	if l.opts.Webhook == nil {
		return
	}
	evt := Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		EventType: eventType,
		SessionID: l.opts.SessionID,
		Data: map[string]any{
			"input_tokens":  snap.InputTokens,
			"output_tokens": snap.OutputTokens,
			"cost_usd":      snap.CostUSD,
			"model_id":      snap.ModelID,
		},
	}
	// Webhook delivery is fire-and-forget; failures are logged by the
	// Sender and never affect the run, per spec.md §7.
	go l.opts.Webhook.Send(context.WithoutCancel(ctx), evt)
}

func ratio(value, cap float64) float64 {
	if cap <= 0 {
		return 0
	}
	return value / cap
}
