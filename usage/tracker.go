// Package usage implements the Token Accountant and Usage Limiter: a
// thread-safe running total of token usage and cost for one session, and
// the cap/warning logic that turns that total into Allow/Warn/Stop
// signals plus webhook notifications.
//
// The source's own design note calls for compressing per-call locks around
// token counters into a single mutex guarding the tracker's fields rather
// than fine-grained locking; SessionUsage follows that shape directly.
package usage

import "sync"

// SessionUsage is spec.md's SessionUsage: running totals for one session.
// Totals are monotonically non-decreasing between Resets; Cost is derived
// from the totals and the active pricing table, never stored independently.
type SessionUsage struct {
	InputTokens  int
	OutputTokens int
	RequestCount int
	CostUSD      float64
	ModelID      string
}

// TotalTokens is InputTokens + OutputTokens.
func (s SessionUsage) TotalTokens() int {
	return s.InputTokens + s.OutputTokens
}

// Pricing is the per-million-token rate for a model.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Tracker aggregates (input_tokens, output_tokens, request_count) under a
// single mutex and computes cost by looking up pricing per model id.
// Setting a new model does not reset counters.
type Tracker struct {
	mu       sync.Mutex
	usage    SessionUsage
	pricing  map[string]Pricing
	fallback Pricing
}

// NewTracker constructs a Tracker with the given per-model pricing table.
// fallback prices any model id not present in pricing.
func NewTracker(pricing map[string]Pricing, fallback Pricing) *Tracker {
	cp := make(map[string]Pricing, len(pricing))
	for k, v := range pricing {
		cp[k] = v
	}
	return &Tracker{pricing: cp, fallback: fallback}
}

// Record adds one backend call's token counts to the running totals and
// recomputes cost for the given model id.
func (t *Tracker) Record(modelID string, inputTokens, outputTokens int) SessionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += inputTokens
	t.usage.OutputTokens += outputTokens
	t.usage.RequestCount++
	t.usage.ModelID = modelID
	t.usage.CostUSD += t.cost(modelID, inputTokens, outputTokens)
	return t.usage
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() SessionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Reset zeroes all counters, starting a new accounting epoch.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = SessionUsage{}
}

// Merge folds a child's usage into this tracker's totals, used by the
// Sub-Agent Scheduler to aggregate a child's token usage into the parent's.
func (t *Tracker) Merge(child SessionUsage) SessionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.InputTokens += child.InputTokens
	t.usage.OutputTokens += child.OutputTokens
	t.usage.RequestCount += child.RequestCount
	t.usage.CostUSD += child.CostUSD
	return t.usage
}

func (t *Tracker) cost(modelID string, inputTokens, outputTokens int) float64 {
	p, ok := t.pricing[modelID]
	if !ok {
		p = t.fallback
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion + float64(outputTokens)/1_000_000*p.OutputPerMillion
}
