package expr

import "fmt"

// RuleEvaluationError reports a condition that could not be compiled or
// evaluated. Rule names the owning rule or flag when the caller knows it.
type RuleEvaluationError struct {
	Rule       string
	Expression string
	Row        int
	Err        error
}

func (e *RuleEvaluationError) Error() string {
	where := ""
	if e.Rule != "" {
		where = e.Rule + ": "
	}
	if e.Row >= 0 {
		return fmt.Sprintf("%scondition %q failed on row %d: %v", where, e.Expression, e.Row, e.Err)
	}
	return fmt.Sprintf("%scondition %q rejected: %v", where, e.Expression, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// UnsupportedError names a construct outside the row-scoped grammar.
type UnsupportedError struct {
	Construct string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported construct %s", e.Construct)
}
