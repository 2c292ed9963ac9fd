// Package detect implements the detection methods a flag definition can
// name. Each method reads existing columns and appends one boolean flag
// column, plus any documented helper columns.
//
// Within-response methods look at one row at a time: ValueInRange,
// CustomCondition, ReverseCodedResponse, SuspiciousCharacter, SuspiciousName,
// IPLocation and LatLongLocation. Between-response methods compare rows:
// MultipleIPAttempts, BurstResponses and DuplicatedText.
package detect

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

// Method is one detection heuristic.
type Method interface {
	// Name is the canonical method name used in flag sheets.
	Name() string
	// Schema is a JSON Schema for the undecoded parameter object.
	Schema() string
	// Apply appends the flag column (and helper columns) to t. It must reject
	// invalid options before touching t.
	Apply(ctx context.Context, t *dataset.Table, flag string, p Params) error
}

// OptionError reports an enumerated option outside its allowed values.
type OptionError struct {
	Method  string
	Option  string
	Value   any
	Allowed []string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("%s: invalid %s %v; allowed values are %s",
		e.Method, e.Option, e.Value, strings.Join(e.Allowed, ", "))
}

// ParameterError reports a missing or mistyped decoded parameter.
type ParameterError struct {
	Method    string
	Parameter string
	Reason    string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s: parameter %s %s", e.Method, e.Parameter, e.Reason)
}

// Params are the decoded parameters of one flag definition.
type Params struct {
	method string
	values map[string]any
}

// NewParams wraps decoded parameters for a method.
func NewParams(method string, values map[string]any) Params {
	if values == nil {
		values = map[string]any{}
	}
	return Params{method: method, values: values}
}

func (p Params) missing(key string) error {
	return &ParameterError{Method: p.method, Parameter: key, Reason: "is required"}
}

func (p Params) wrongType(key, want string) error {
	return &ParameterError{Method: p.method, Parameter: key, Reason: fmt.Sprintf("must be %s, got %T", want, p.values[key])}
}

// present reports whether key holds a non-missing value.
func (p Params) present(key string) bool {
	v, ok := p.values[key]
	return ok && !dataset.IsMissing(v)
}

// String returns a required text parameter.
func (p Params) String(key string) (string, error) {
	if !p.present(key) {
		return "", p.missing(key)
	}
	s, ok := p.values[key].(string)
	if !ok {
		return "", p.wrongType(key, "text")
	}
	return s, nil
}

// StringOr returns a text parameter or def when absent.
func (p Params) StringOr(key, def string) (string, error) {
	if !p.present(key) {
		return def, nil
	}
	return p.String(key)
}

// Float returns a required numeric parameter. Infinite values are allowed.
func (p Params) Float(key string) (float64, error) {
	if !p.present(key) {
		return 0, p.missing(key)
	}
	switch v := p.values[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if f, ok := dataset.AsFloat(v); ok {
			return f, nil
		}
	}
	return 0, p.wrongType(key, "a number")
}

// FloatOr returns a numeric parameter or def when absent.
func (p Params) FloatOr(key string, def float64) (float64, error) {
	if !p.present(key) {
		return def, nil
	}
	return p.Float(key)
}

// Int returns a required whole-number parameter.
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, p.wrongType(key, "a whole number")
	}
	return int(f), nil
}

// IntOr returns a whole-number parameter or def when absent.
func (p Params) IntOr(key string, def int) (int, error) {
	if !p.present(key) {
		return def, nil
	}
	return p.Int(key)
}

// BoolOr returns a boolean parameter or def when absent. 0/1 and "yes"/"no"
// are accepted.
func (p Params) BoolOr(key string, def bool) (bool, error) {
	if !p.present(key) {
		return def, nil
	}
	switch v := p.values[key].(type) {
	case bool:
		return v, nil
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
	}
	return false, p.wrongType(key, "a boolean")
}

// Bool returns a required boolean parameter.
func (p Params) Bool(key string) (bool, error) {
	if !p.present(key) {
		return false, p.missing(key)
	}
	return p.BoolOr(key, false)
}

// Strings returns a required list of text values. A single string is a
// one-element list.
func (p Params) Strings(key string) ([]string, error) {
	if !p.present(key) {
		return nil, p.missing(key)
	}
	switch v := p.values[key].(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, p.wrongType(key, "a list of text values")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, p.wrongType(key, "a list of text values")
}

// StringsOr returns a list parameter or def when absent.
func (p Params) StringsOr(key string, def []string) ([]string, error) {
	if !p.present(key) {
		return def, nil
	}
	return p.Strings(key)
}

// requireColumns fails with a dataset.MissingColumnError for the first absent column.
func requireColumns(t *dataset.Table, names ...string) error {
	for _, name := range names {
		if _, err := t.MustColumn(name); err != nil {
			return err
		}
	}
	return nil
}

func checkOption(method, option, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &OptionError{Method: method, Option: option, Value: value, Allowed: allowed}
}
