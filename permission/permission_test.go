package permission

import (
	"context"
	"testing"

	"github.com/agentforge/engine/tools"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsByCategory(t *testing.T) {
	e := New(nil, nil)
	ctx := context.Background()

	v, err := e.Evaluate(ctx, tools.CategoryRead, "any/path.go")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision)

	v, err = e.Evaluate(ctx, tools.CategoryExternalDirectory, "/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)

	v, err = e.Evaluate(ctx, tools.CategoryEdit, "main.go")
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision, "Ask collapses to Deny with no confirmer")
}

func TestFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{Category: tools.CategoryBash, Pattern: `^rm\s`, Decision: DecisionDeny},
		{Category: tools.CategoryBash, Pattern: `.*`, Decision: DecisionAllow},
	}
	e := New(rules, nil)
	v, err := e.Evaluate(context.Background(), tools.CategoryBash, "rm -rf /tmp/x")
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, v.Decision)

	v, err = e.Evaluate(context.Background(), tools.CategoryBash, "ls -la")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestAskResolvedByConfirmer(t *testing.T) {
	confirmer := func(ctx context.Context, category tools.Category, target, reason string) (bool, error) {
		return true, nil
	}
	e := New([]Rule{{Category: tools.CategoryEdit, Pattern: "*.go", Decision: DecisionAsk}}, confirmer)
	v, err := e.Evaluate(context.Background(), tools.CategoryEdit, "main.go")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, v.Decision)
}

// TestPermissionMonotonicity checks spec.md §8's invariant: if rule set R1
// is a prefix of R2 and R2 only appends Deny rules, every target Allowed by
// R2 is also Allowed by R1.
func TestPermissionMonotonicity(t *testing.T) {
	targets := gen.OneConstOf("a.txt", "b.txt", "c.txt", "d.txt")
	properties := gopter.NewProperties(nil)

	properties.Property("R2 = R1 + appended deny rules never allows more than R1", prop.ForAll(
		func(target string) bool {
			r1 := []Rule{{Category: tools.CategoryRead, Pattern: "a.txt", Decision: DecisionAllow}}
			r2 := append(append([]Rule{}, r1...), Rule{Category: tools.CategoryRead, Pattern: target, Decision: DecisionDeny})

			e1 := New(r1, nil)
			e2 := New(r2, nil)

			v2, _ := e2.Evaluate(context.Background(), tools.CategoryRead, target)
			if v2.Decision != DecisionAllow {
				return true
			}
			v1, _ := e1.Evaluate(context.Background(), tools.CategoryRead, target)
			return v1.Decision == DecisionAllow
		},
		targets,
	))

	properties.TestingRun(t)
}
