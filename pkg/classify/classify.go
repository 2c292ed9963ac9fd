// Package classify assigns every row the label of the first matching
// classification rule.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/expr"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
)

// Label columns written by the two classification passes.
const (
	InitialColumn = "FLAG"
	FinalColumn   = "FINAL_FLAG"
	DefaultLabel  = "VALID"
)

// RuleColumn names the column holding the matched rule number.
func RuleColumn(label string) string { return label + "_RULE" }

// Options configures a Classifier.
type Options struct {
	// DefaultLabel is assigned when no rule matches. Defaults to VALID.
	DefaultLabel string
	// FlagColumns are bound to false when absent from the table, so rules
	// referring to a failed flag still compile.
	FlagColumns []string
	Logger      *slog.Logger
}

// Result is the classification of one row. Rule is nil when the default
// label was assigned.
type Result struct {
	Label string
	Rule  *int
}

type compiledRule struct {
	rule ruleset.ClassificationRule
	cond *expr.Condition
}

// Classifier evaluates an ordered rule list.
type Classifier struct {
	rules        []compiledRule
	defaultLabel string
}

func ruleName(num int) string { return fmt.Sprintf("rule %d", num) }

// New compiles every rule against the given columns. A rule that fails to
// compile is returned as an expr.RuleEvaluationError naming it.
func New(rules []ruleset.ClassificationRule, columns []string, opts Options) (*Classifier, error) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	defaults := make(map[string]any)
	for _, f := range opts.FlagColumns {
		if !present[f] {
			defaults[f] = false
		}
	}
	evaluator, err := expr.NewEvaluator(columns, expr.WithDefaults(defaults))
	if err != nil {
		return nil, err
	}

	ordered := append([]ruleset.ClassificationRule(nil), rules...)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Num < ordered[b].Num })

	c := &Classifier{defaultLabel: opts.DefaultLabel}
	if c.defaultLabel == "" {
		c.defaultLabel = DefaultLabel
	}
	for _, r := range ordered {
		cond, err := evaluator.Compile(r.Condition)
		if err != nil {
			return nil, withRule(err, r.Num)
		}
		c.rules = append(c.rules, compiledRule{rule: r, cond: cond})
	}
	return c, nil
}

func withRule(err error, num int) error {
	var evalErr *expr.RuleEvaluationError
	if errors.As(err, &evalErr) {
		named := *evalErr
		named.Rule = ruleName(num)
		return &named
	}
	return err
}

// Classify evaluates a row given as a column map.
func (c *Classifier) Classify(row map[string]any) (Result, error) {
	return c.first(func(cond *expr.Condition) (bool, error) { return cond.EvalMap(row) })
}

// ClassifyRow evaluates row i of t.
func (c *Classifier) ClassifyRow(t *dataset.Table, i int) (Result, error) {
	return c.first(func(cond *expr.Condition) (bool, error) { return cond.Eval(t, i) })
}

func (c *Classifier) first(eval func(*expr.Condition) (bool, error)) (Result, error) {
	for _, r := range c.rules {
		ok, err := eval(r.cond)
		if err != nil {
			return Result{}, withRule(err, r.rule.Num)
		}
		if ok {
			num := r.rule.Num
			return Result{Label: r.rule.Classification, Rule: &num}, nil
		}
	}
	return Result{Label: c.defaultLabel}, nil
}

// Summary reports one classification pass.
type Summary struct {
	Column  string
	Counts  map[string]int
	Elapsed time.Duration
}

// Apply classifies every row of t and writes <column> and <column>_RULE.
// Any evaluation error aborts the pass without touching t.
func Apply(ctx context.Context, t *dataset.Table, rules []ruleset.ClassificationRule, column string, opts Options) (*Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "classify", "column", column)
	start := time.Now()

	c, err := New(rules, t.Columns(), opts)
	if err != nil {
		return nil, err
	}

	labels := make([]any, t.Len())
	matched := make([]any, t.Len())
	counts := make(map[string]int)
	for i := range labels {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		res, err := c.ClassifyRow(t, i)
		if err != nil {
			return nil, err
		}
		labels[i] = res.Label
		if res.Rule != nil {
			matched[i] = int64(*res.Rule)
		}
		counts[res.Label]++
	}

	if err := t.SetColumn(column, labels); err != nil {
		return nil, err
	}
	if err := t.SetColumn(RuleColumn(column), matched); err != nil {
		return nil, err
	}

	summary := &Summary{Column: column, Counts: counts, Elapsed: time.Since(start)}
	logger.InfoContext(ctx, "classification complete",
		"rules", len(c.rules), "rows", t.Len(), "labels", len(counts), "elapsed", summary.Elapsed)
	return summary, nil
}
