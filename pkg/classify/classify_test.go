package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/expr"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
)

var initialRules = []ruleset.ClassificationRule{
	{Num: 3, Condition: "FG_TIME >= 1", Classification: "REVIEW"},
	{Num: 1, Condition: "F_BOT and F_FAST", Classification: "FRAUD"},
	{Num: 2, Condition: "F_BOT", Classification: "SUSPECT"},
}

func flaggedTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.FromColumns(
		[]string{"F_BOT", "F_FAST", "FG_TIME"},
		[][]any{
			{true, true, false, false},
			{true, false, true, false},
			{int64(1), int64(0), int64(1), int64(0)},
		},
	)
	require.NoError(t, err)
	return tbl
}

func TestApply_FirstMatchWins(t *testing.T) {
	tbl := flaggedTable(t)
	summary, err := Apply(context.Background(), tbl, initialRules, InitialColumn, Options{})
	require.NoError(t, err)

	labels, _ := tbl.Column(InitialColumn)
	rules, _ := tbl.Column(RuleColumn(InitialColumn))
	assert.Equal(t, []any{"FRAUD", "SUSPECT", "REVIEW", "VALID"}, labels)
	assert.Equal(t, []any{int64(1), int64(2), int64(3), nil}, rules)
	assert.Equal(t, map[string]int{"FRAUD": 1, "SUSPECT": 1, "REVIEW": 1, "VALID": 1}, summary.Counts)
}

func TestClassify_DefaultLabel(t *testing.T) {
	c, err := New(initialRules, []string{"F_BOT", "F_FAST", "FG_TIME"}, Options{DefaultLabel: "CLEAN"})
	require.NoError(t, err)

	res, err := c.Classify(map[string]any{"F_BOT": false, "F_FAST": false, "FG_TIME": int64(0)})
	require.NoError(t, err)
	assert.Equal(t, "CLEAN", res.Label)
	assert.Nil(t, res.Rule)

	res, err = c.Classify(map[string]any{"F_BOT": true, "F_FAST": false, "FG_TIME": int64(0)})
	require.NoError(t, err)
	assert.Equal(t, "SUSPECT", res.Label)
	require.NotNil(t, res.Rule)
	assert.Equal(t, 2, *res.Rule)
}

func TestNew_AbsentFlagColumnsBindFalse(t *testing.T) {
	// F_FAST failed and never reached the table.
	columns := []string{"F_BOT", "FG_TIME"}
	_, err := New(initialRules, columns, Options{})
	var evalErr *expr.RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "rule 1", evalErr.Rule)

	c, err := New(initialRules, columns, Options{FlagColumns: []string{"F_BOT", "F_FAST"}})
	require.NoError(t, err)
	res, err := c.Classify(map[string]any{"F_BOT": true, "FG_TIME": int64(0)})
	require.NoError(t, err)
	assert.Equal(t, "SUSPECT", res.Label)
}

func TestApply_EvaluationErrorIsFatal(t *testing.T) {
	tbl, err := dataset.FromColumns([]string{"Answer"}, [][]any{{"yes", 3.0}})
	require.NoError(t, err)

	rules := []ruleset.ClassificationRule{{Num: 7, Condition: "Answer.startsWith('y')", Classification: "YES"}}
	_, err = Apply(context.Background(), tbl, rules, FinalColumn, Options{})
	var evalErr *expr.RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "rule 7", evalErr.Rule)
	assert.Equal(t, 1, evalErr.Row)
	assert.False(t, tbl.Has(FinalColumn), "no partial output")
}

func TestNew_RejectsUnsupportedCondition(t *testing.T) {
	rules := []ruleset.ClassificationRule{{Num: 4, Condition: "[1, 2].exists(x, x > 1)", Classification: "X"}}
	_, err := New(rules, []string{"A"}, Options{})
	var evalErr *expr.RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "rule 4", evalErr.Rule)
	assert.Equal(t, -1, evalErr.Row)
}

func TestApply_ReplacesPreviousPass(t *testing.T) {
	tbl := flaggedTable(t)
	_, err := Apply(context.Background(), tbl, initialRules, InitialColumn, Options{})
	require.NoError(t, err)
	width := tbl.Width()

	final := []ruleset.ClassificationRule{{Num: 1, Condition: "FLAG != 'VALID'", Classification: "REMOVE"}}
	_, err = Apply(context.Background(), tbl, final, FinalColumn, Options{DefaultLabel: "KEEP"})
	require.NoError(t, err)
	labels, _ := tbl.Column(FinalColumn)
	assert.Equal(t, []any{"REMOVE", "REMOVE", "REMOVE", "KEEP"}, labels)

	_, err = Apply(context.Background(), tbl, initialRules, InitialColumn, Options{})
	require.NoError(t, err)
	assert.Equal(t, width+2, tbl.Width())
}
