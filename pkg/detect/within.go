package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/expr"
)

// ValueInRange flags rows whose value lies in [lower_threshold, upper_threshold].
// Missing and non-numeric values are not flagged.
type ValueInRange struct{}

func (ValueInRange) Name() string { return "ValueInRange" }

func (m ValueInRange) Schema() string { return schemaFor(m.Name()) }

func (m ValueInRange) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	column, err := p.String("column_name")
	if err != nil {
		return err
	}
	lower, err := p.Float("lower_threshold")
	if err != nil {
		return err
	}
	upper, err := p.Float("upper_threshold")
	if err != nil {
		return err
	}
	values, err := t.MustColumn(column)
	if err != nil {
		return err
	}

	out := make([]bool, t.Len())
	for i, v := range values {
		f, ok := dataset.AsFloat(v)
		out[i] = ok && f >= lower && f <= upper
	}
	return t.SetBools(flag, out)
}

// CustomCondition flags rows satisfying a row-scoped boolean expression.
type CustomCondition struct{}

func (CustomCondition) Name() string { return "CustomCondition" }

func (m CustomCondition) Schema() string { return schemaFor(m.Name()) }

func (m CustomCondition) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	condition, err := p.String("condition")
	if err != nil {
		return err
	}
	evaluator, err := expr.NewEvaluator(t.Columns())
	if err != nil {
		return err
	}
	cond, err := evaluator.Compile(condition)
	if err != nil {
		return nameRule(err, flag)
	}

	out := make([]bool, t.Len())
	for i := range out {
		if out[i], err = cond.Eval(t, i); err != nil {
			return nameRule(err, flag)
		}
	}
	return t.SetBools(flag, out)
}

func nameRule(err error, rule string) error {
	var evalErr *expr.RuleEvaluationError
	if errors.As(err, &evalErr) && evalErr.Rule == "" {
		evalErr.Rule = rule
	}
	return err
}

// ReverseCodedResponse flags rows whose positive and negative item means
// have a product at or above max_correlation. Items are rescaled to [-1, 1];
// raw values outside [min_score, max_score] are ignored.
type ReverseCodedResponse struct{}

func (ReverseCodedResponse) Name() string { return "ReverseCodedResponse" }

func (m ReverseCodedResponse) Schema() string { return schemaFor(m.Name()) }

func (m ReverseCodedResponse) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	positive, err := p.Strings("positive_columns")
	if err != nil {
		return err
	}
	negative, err := p.Strings("negative_columns")
	if err != nil {
		return err
	}
	minScore, err := p.Float("min_score")
	if err != nil {
		return err
	}
	maxScore, err := p.Float("max_score")
	if err != nil {
		return err
	}
	if maxScore <= minScore {
		return &ParameterError{Method: m.Name(), Parameter: "max_score", Reason: "must be greater than min_score"}
	}
	threshold, err := p.FloatOr("max_correlation", 0)
	if err != nil {
		return err
	}
	if err := requireColumns(t, append(append([]string(nil), positive...), negative...)...); err != nil {
		return err
	}

	mean := func(cols []string, row int) float64 {
		sum, n := 0.0, 0
		for _, col := range cols {
			x, ok := dataset.AsFloat(t.Value(row, col))
			if !ok || x < minScore || x > maxScore {
				continue
			}
			sum += 2*(x-minScore)/(maxScore-minScore) - 1
			n++
		}
		if n == 0 {
			return math.NaN()
		}
		return sum / float64(n)
	}

	out := make([]bool, t.Len())
	for i := range out {
		product := mean(positive, i) * mean(negative, i)
		out[i] = !math.IsNaN(product) && product >= threshold
	}
	return t.SetBools(flag, out)
}

// SuspiciousCharacter flags rows where any listed character appears in any
// listed column. Columns absent from the table are skipped.
type SuspiciousCharacter struct {
	Logger *slog.Logger
}

// DefaultSuspiciousChars holds the non-breaking space.
var DefaultSuspiciousChars = []string{"\u00a0"}

func (SuspiciousCharacter) Name() string { return "SuspiciousCharacter" }

func (m SuspiciousCharacter) Schema() string { return schemaFor(m.Name()) }

func (m SuspiciousCharacter) Apply(ctx context.Context, t *dataset.Table, flag string, p Params) error {
	requested, err := p.Strings("list_of_columns")
	if err != nil {
		return err
	}
	chars, err := p.StringsOr("list_of_chars", DefaultSuspiciousChars)
	if err != nil {
		return err
	}

	var columns []string
	for _, col := range requested {
		if t.Has(col) {
			columns = append(columns, col)
		}
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "checking columns for suspicious characters", "flag", flag, "columns", columns)

	out := make([]bool, t.Len())
	for i := range out {
		for _, col := range columns {
			text, _ := dataset.AsString(t.Value(i, col))
			if containsAny(text, chars) {
				out[i] = true
				break
			}
		}
	}
	return t.SetBools(flag, out)
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// SuspiciousName flags rows whose first and last name share a word of at
// least min_word_length characters, ignoring case.
type SuspiciousName struct{}

func (SuspiciousName) Name() string { return "SuspiciousName" }

func (m SuspiciousName) Schema() string { return schemaFor(m.Name()) }

func (m SuspiciousName) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	firstCol, err := p.String("column_first_name")
	if err != nil {
		return err
	}
	lastCol, err := p.String("column_last_name")
	if err != nil {
		return err
	}
	minLen, err := p.IntOr("min_word_length", 2)
	if err != nil {
		return err
	}
	if minLen < 1 || minLen > 1000 {
		return &ParameterError{Method: m.Name(), Parameter: "min_word_length", Reason: "must be between 1 and 1000"}
	}
	if err := requireColumns(t, firstCol, lastCol); err != nil {
		return err
	}
	word := regexp.MustCompile(fmt.Sprintf(`[\p{L}\p{N}_]{%d,}`, minLen))

	words := func(v any) map[string]bool {
		s, ok := dataset.AsString(v)
		if !ok {
			return nil
		}
		set := make(map[string]bool)
		for _, w := range word.FindAllString(strings.ToLower(strings.TrimSpace(s)), -1) {
			set[w] = true
		}
		return set
	}

	out := make([]bool, t.Len())
	for i := range out {
		first := words(t.Value(i, firstCol))
		for w := range words(t.Value(i, lastCol)) {
			if first[w] {
				out[i] = true
				break
			}
		}
	}
	return t.SetBools(flag, out)
}
