package usage

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecordingSender(expect int) *recordingSender {
	return &recordingSender{done: make(chan struct{}, expect)}
}

func (r *recordingSender) Send(ctx context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingSender) count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// TestUsageWarningOnce is spec.md §8 scenario 5.
func TestUsageWarningOnce(t *testing.T) {
	sender := newRecordingSender(1)
	tracker := NewTracker(nil, Pricing{})
	limiter := NewLimiter(tracker, LimiterOptions{
		MaxSessionTokens: 1000,
		WarningThreshold: 0.8,
		StopOnLimit:      true,
		Webhook:          sender,
	})

	res := limiter.Record(context.Background(), "m", 850, 0)
	assert.True(t, res.TokenWarning)
	<-sender.done

	res = limiter.CheckLimits(context.Background())
	assert.False(t, res.TokenWarning)

	assert.Equal(t, 1, sender.count(EventTokenLimitWarning))

	res = limiter.Record(context.Background(), "m", 200, 0)
	assert.True(t, res.ShouldStop)
}

func TestShouldStopIsSticky(t *testing.T) {
	tracker := NewTracker(nil, Pricing{})
	limiter := NewLimiter(tracker, LimiterOptions{MaxSessionTokens: 100, StopOnLimit: true})

	res := limiter.Record(context.Background(), "m", 150, 0)
	require.True(t, res.ShouldStop)

	res = limiter.CheckLimits(context.Background())
	assert.True(t, res.ShouldStop, "ShouldStop must remain sticky until Reset")

	limiter.Reset()
	res = limiter.CheckLimits(context.Background())
	assert.False(t, res.ShouldStop)
}

func TestWebhookSigning(t *testing.T) {
	body := []byte(`{"eventId":"abc"}`)
	sig := Sign("test-secret", body)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("test-secret", body))
	assert.NotEqual(t, sig, Sign("other-secret", body))
}

// TestUsageMonotonicity is spec.md §8's property: between two Resets,
// TotalTokens is non-decreasing across any sequence of Record calls.
func TestUsageMonotonicity(t *testing.T) {
	calls := gen.SliceOfN(20, gen.IntRange(0, 500))
	properties := gopter.NewProperties(nil)

	properties.Property("TotalTokens never decreases across Records", prop.ForAll(
		func(tokenCounts []int) bool {
			tracker := NewTracker(nil, Pricing{})
			prevTotal := 0
			for _, n := range tokenCounts {
				snap := tracker.Record("m", n, 0)
				if snap.TotalTokens() < prevTotal {
					return false
				}
				prevTotal = snap.TotalTokens()
			}
			return true
		},
		calls,
	))

	properties.TestingRun(t)
}
