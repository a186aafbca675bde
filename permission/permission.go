// Package permission implements the Permission Evaluator: an ordered set of
// (category, pattern, decision) rules, first-match-wins, with a
// per-category default and an injected human confirmer for Ask decisions.
//
// The ordered-rules-with-default-fallthrough shape is grounded on the
// policy engine's allow/block precedence (block tools → block tags → allow
// tools → allow tags → default-allow), re-targeted from tag/tool sets to
// spec.md's category+pattern rule list.
package permission

import (
	"context"
	"path/filepath"
	"regexp"

	"github.com/agentforge/engine/tools"
)

// Decision is the evaluator's verdict for one (category, target) pair.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Rule is one ordered permission rule. Pattern is a glob for file
// categories (Read, Edit, ExternalDirectory) and a regex for Bash.
type Rule struct {
	Category tools.Category
	Pattern  string
	Decision Decision
}

// Verdict is the result of Evaluate: the decision plus, for Deny/Ask, a
// human-readable reason.
type Verdict struct {
	Decision Decision
	Reason   string
}

// HumanConfirmer resolves an Ask decision by prompting a human. When no
// confirmer is attached, Ask collapses to Deny.
type HumanConfirmer func(ctx context.Context, category tools.Category, target string, reason string) (bool, error)

// defaultDecision is spec.md §4.2's per-category fallback when no rule matches.
var defaultDecision = map[tools.Category]Decision{
	tools.CategoryRead:              DecisionAllow,
	tools.CategoryEdit:              DecisionAsk,
	tools.CategoryBash:              DecisionAsk,
	tools.CategoryExternalDirectory: DecisionDeny,
	tools.CategoryMcpTools:          DecisionAllow,
}

// Evaluator is the Permission Evaluator.
type Evaluator struct {
	rules     []Rule
	confirmer HumanConfirmer
}

// New constructs an Evaluator from an ordered rule list. Rules are
// consulted in the given order; the first whose category and pattern match
// wins.
func New(rules []Rule, confirmer HumanConfirmer) *Evaluator {
	return &Evaluator{rules: append([]Rule(nil), rules...), confirmer: confirmer}
}

// Evaluate decides whether target (a file path for Read/Edit/
// ExternalDirectory, a command line for Bash, a tool name for McpTools) may
// be used under category.
func (e *Evaluator) Evaluate(ctx context.Context, category tools.Category, target string) (Verdict, error) {
	for _, r := range e.rules {
		if r.Category != category {
			continue
		}
		matched, err := match(category, r.Pattern, target)
		if err != nil {
			return Verdict{}, err
		}
		if !matched {
			continue
		}
		return e.resolve(ctx, category, target, r.Decision, "matched rule: "+r.Pattern)
	}
	def, ok := defaultDecision[category]
	if !ok {
		def = DecisionDeny
	}
	return e.resolve(ctx, category, target, def, "no matching rule; category default")
}

// resolve turns a raw rule/default decision into a final Verdict, invoking
// the HumanConfirmer for Ask decisions.
func (e *Evaluator) resolve(ctx context.Context, category tools.Category, target string, decision Decision, reason string) (Verdict, error) {
	if decision != DecisionAsk {
		if decision == DecisionDeny {
			return Verdict{Decision: DecisionDeny, Reason: reason}, nil
		}
		return Verdict{Decision: decision}, nil
	}
	if e.confirmer == nil {
		return Verdict{Decision: DecisionDeny, Reason: "ask collapsed to deny: no human confirmer attached"}, nil
	}
	ok, err := e.confirmer(ctx, category, target, reason)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Decision: DecisionDeny, Reason: "denied by human confirmer"}, nil
	}
	return Verdict{Decision: DecisionAllow}, nil
}

// match applies a glob for file-ish categories and a regex for Bash.
func match(category tools.Category, pattern, target string) (bool, error) {
	if category == tools.CategoryBash {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(target), nil
	}
	return filepath.Match(pattern, target)
}
