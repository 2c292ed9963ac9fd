package expr

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"A and B", "A && B"},
		{"A or not B", "A || ! B"},
		{"(A == 1) & (B == 2)", "(A == 1.0) && (B == 2.0)"},
		{"A | ~B", "A || !B"},
		{"A && B || C", "A && B || C"},
		{"A == True and B == None", "A == true && B == null"},
		{`Q1 == "rock and roll"`, `Q1 == "rock and roll"`},
		{`Q1 == 'it''s or not'`, `Q1 == 'it''s or not'`},
		{"`First Name` == 'x'", `row["First Name"] == 'x'`},
		{"android or notes", "android || notes"},
		{"Duration / 60 < 1.5", "Duration / 60.0 < 1.5"},
		{"int(x) % 2 == 0", "int(x) % 2.0 == 0.0"},
		{"x > 1e5", "x > 1e5"},
		{"Q2 > .5", "Q2 > .5"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), tc.in)
	}
}

func sampleTable(t *testing.T) *dataset.Table {
	t.Helper()
	tbl, err := dataset.FromColumns(
		[]string{"F_A", "F_B", "Duration", "First Name", "Q1", "FG_TIME"},
		[][]any{
			{true, false, false},
			{true, true, false},
			{30.0, 200.0, nil},
			{"Ann", "", nil},
			{"yes", "no", math.NaN()},
			{int64(2), int64(0), int64(1)},
		},
	)
	require.NoError(t, err)
	return tbl
}

func evalAll(t *testing.T, tbl *dataset.Table, e *Evaluator, expression string) []bool {
	t.Helper()
	cond, err := e.Compile(expression)
	require.NoError(t, err)
	out := make([]bool, tbl.Len())
	for i := range out {
		out[i], err = cond.Eval(tbl, i)
		require.NoError(t, err)
	}
	return out
}

func TestEvaluator_Conditions(t *testing.T) {
	tbl := sampleTable(t)
	e, err := NewEvaluator(tbl.Columns())
	require.NoError(t, err)

	cases := map[string][]bool{
		"F_A":                              {true, false, false},
		"F_A and F_B":                      {true, false, false},
		"F_A || F_B":                       {true, true, false},
		"not F_B":                          {false, false, true},
		"Duration < 60":                    {true, false, false},
		"Duration / 60 > 3":                {false, true, false},
		"Duration >= 30 & Duration <= 200": {true, true, false},
		"FG_TIME > 0":                      {true, false, true},
		"FG_TIME == 2":                     {true, false, false},
		`Q1 == "yes"`:                      {true, false, false},
		`Q1 in ["yes", "no"]`:              {true, true, false},
		`row["First Name"] == "Ann"`:       {true, false, false},
		"`First Name` == 'Ann'":            {true, false, false},
		`missing(Duration)`:                {false, false, true},
		`missing(Q1) or Q1 == "no"`:        {false, true, true},
		`FG_TIME`:                          {true, false, true},
		`Q1`:                               {true, true, false},
		`Duration`:                         {true, true, false},
	}
	for expression, want := range cases {
		assert.Equal(t, want, evalAll(t, tbl, e, expression), expression)
	}

	guarded := `!missing(Q1) && size(Q1) == 3 && Q1.contains("e")`
	assert.Equal(t, []bool{true, false, false}, evalAll(t, tbl, e, guarded))
}

func TestEvaluator_Modulo(t *testing.T) {
	e, err := NewEvaluator([]string{"Q1", "n", "Name"})
	require.NoError(t, err)

	cases := []struct {
		expression string
		vars       map[string]any
		want       bool
	}{
		{"Q1 % 2 == 1", map[string]any{"Q1": 3.0}, true},
		{"Q1 % 2 == 1", map[string]any{"Q1": 4.0}, false},
		{"Q1 % 2 == 1", map[string]any{"Q1": -3.0}, true},
		{"n % 2 == 1", map[string]any{"n": int64(3)}, true},
		{"int(Q1) % 2 == 0", map[string]any{"Q1": 8.0}, true},
		{"Q1 % 2.5 == 0.5", map[string]any{"Q1": 3.0}, true},
		{"(Q1 + 1) % 3 == 0 and Q1 > 1", map[string]any{"Q1": 5.0}, true},
		{"Q1 % 2 == 1", map[string]any{"Q1": nil}, false},
		{"Q1 % 0 == 0", map[string]any{"Q1": 3.0}, false},
	}
	for _, tc := range cases {
		cond, err := e.Compile(tc.expression)
		require.NoError(t, err, tc.expression)
		got, err := cond.EvalMap(tc.vars)
		require.NoError(t, err, tc.expression)
		assert.Equal(t, tc.want, got, "%s with %v", tc.expression, tc.vars)
	}

	cond, err := e.Compile("Name % 2 == 1")
	require.NoError(t, err)
	_, err = cond.EvalMap(map[string]any{"Name": "Ann"})
	var evalErr *RuleEvaluationError
	assert.ErrorAs(t, err, &evalErr)

	_, err = e.Compile("mod(Q1, 2) == 1")
	var unsupported *UnsupportedError
	assert.ErrorAs(t, err, &unsupported)
}

func TestEvaluator_MissingComparesFalse(t *testing.T) {
	tbl := sampleTable(t)
	e, err := NewEvaluator(tbl.Columns())
	require.NoError(t, err)

	for _, expression := range []string{"Duration > 0", "Duration <= 0", "Duration == Duration"} {
		got := evalAll(t, tbl, e, expression)
		assert.False(t, got[2], expression)
	}
}

func TestEvaluator_Defaults(t *testing.T) {
	tbl := sampleTable(t)
	e, err := NewEvaluator(tbl.Columns(), WithDefaults(map[string]any{"F_MISSING": false, "F_A": false}))
	require.NoError(t, err)

	assert.Equal(t, []bool{false, false, false}, evalAll(t, tbl, e, "F_MISSING"))
	assert.Equal(t, []bool{true, false, false}, evalAll(t, tbl, e, "F_A or F_MISSING"))
	assert.Equal(t, []bool{false, false, false}, evalAll(t, tbl, e, `row["F_MISSING"]`))
}

func TestEvaluator_RejectsUnsupported(t *testing.T) {
	e, err := NewEvaluator([]string{"Q1", "items"})
	require.NoError(t, err)

	for _, expression := range []string{
		`Q1.matches("^a")`,
		`items.all(x, x > 0)`,
		`items.exists(x, x > 0)`,
		`has(row.Q1)`,
		`{"a": 1}["a"] == 1`,
		`timestamp("2024-01-01T00:00:00Z") > timestamp("2023-01-01T00:00:00Z")`,
		`Q1 == 1 ? true : false`,
		`Q1.field == 1`,
	} {
		_, err := e.Compile(expression)
		var evalErr *RuleEvaluationError
		require.ErrorAs(t, err, &evalErr, expression)
		assert.Equal(t, expression, evalErr.Expression)
		assert.Equal(t, -1, evalErr.Row)
	}

	_, err = e.Compile(`Q1.matches("^a")`)
	var unsupported *UnsupportedError
	assert.ErrorAs(t, err, &unsupported)
}

func TestEvaluator_CompileErrors(t *testing.T) {
	e, err := NewEvaluator([]string{"Q1"})
	require.NoError(t, err)

	_, err = e.Compile("UNKNOWN_COLUMN > 1")
	var evalErr *RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)

	_, err = e.Compile("Q1 ==")
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, err.Error(), "Q1 ==")
}

func TestEvaluator_EvalErrorNamesRow(t *testing.T) {
	tbl := sampleTable(t)
	e, err := NewEvaluator(tbl.Columns())
	require.NoError(t, err)

	cond, err := e.Compile(`row["NOPE"] == 1`)
	require.NoError(t, err)
	_, err = cond.Eval(tbl, 1)

	var evalErr *RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, 1, evalErr.Row)
	assert.Equal(t, `row["NOPE"] == 1`, evalErr.Expression)

	cond, err = e.Compile(`[1, 2]`)
	require.NoError(t, err)
	_, err = cond.Eval(tbl, 0)
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, err.Error(), "not a condition")
}

func TestEvaluator_EvalMap(t *testing.T) {
	e, err := NewEvaluator([]string{"MANUAL_FLAG", "FLAG"})
	require.NoError(t, err)
	cond, err := e.Compile(`FLAG == "FRAUD" and missing(MANUAL_FLAG)`)
	require.NoError(t, err)

	ok, err := cond.EvalMap(map[string]any{"FLAG": "FRAUD", "MANUAL_FLAG": nil})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.EvalMap(map[string]any{"FLAG": "FRAUD", "MANUAL_FLAG": "VALID"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_CacheIsShared(t *testing.T) {
	e, err := NewEvaluator([]string{"A"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Condition, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.Compile("A > 1")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range results[1:] {
		assert.Same(t, results[0], c)
	}
}

func TestReferences(t *testing.T) {
	refs, err := References(`F_FAST and row["Q 9"] > 2 or not F_FAST or missing(Email)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Email", "F_FAST", "Q 9"}, refs)

	_, err = References("F_FAST and (")
	var evalErr *RuleEvaluationError
	assert.ErrorAs(t, err, &evalErr)
}
