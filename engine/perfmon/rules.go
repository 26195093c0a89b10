package perfmon

import (
	"context"

	"github.com/PaesslerAG/gval"
)

// Rule is one config-supplied recommendation tier: when evaluates to true
// against the current Report, Batch/Concurrency are recommended. Rules are
// tried in order; the first match wins.
type Rule struct {
	When        string
	Batch       int
	Concurrency int
}

// DefaultRules reproduces the hardcoded ladder as gval expressions,
// so a deployment that never overrides the config gets byte-identical
// behavior to GetRecommendations.
func DefaultRules() []Rule {
	return []Rule{
		{When: "efficiency > 0.9 && throughput > 100", Batch: 500, Concurrency: 200},
		{When: "efficiency > 0.8 && throughput > 50", Batch: 300, Concurrency: 100},
		{When: "efficiency > 0.7", Batch: 200, Concurrency: 50},
		{When: "true", Batch: 100, Concurrency: 20},
	}
}

type compiledRule struct {
	eval        gval.Evaluable
	batch       int
	concurrency int
}

// RuleSet is a compiled, ordered list of Rule. Compilation happens once at
// construction so Recommend never pays parse cost on the hot path.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules with gval's full expression language
// (arithmetic, comparisons, boolean logic).
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		eval, err := gval.Full().NewEvaluable(r.When)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{eval: eval, batch: r.Batch, concurrency: r.Concurrency})
	}
	return &RuleSet{rules: compiled}, nil
}

// Recommend evaluates rules in order against r's efficiency/throughput and
// returns the first match, falling back to the conservative default tier
// if every rule errors or none match.
func (rs *RuleSet) Recommend(r Report) Recommendations {
	vars := map[string]interface{}{
		"efficiency": r.Efficiency,
		"throughput": r.ThroughputOpsSec,
	}
	for _, cr := range rs.rules {
		v, err := cr.eval(context.Background(), vars)
		if err != nil {
			continue
		}
		if matched, ok := v.(bool); ok && matched {
			return Recommendations{BatchSize: cr.batch, Concurrency: cr.concurrency}
		}
	}
	return Recommendations{BatchSize: 100, Concurrency: 20}
}
