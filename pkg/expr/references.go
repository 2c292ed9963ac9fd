package expr

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

var parseEnv = func() *cel.Env {
	env, err := cel.NewEnv(cel.ClearMacros())
	if err != nil {
		panic(err)
	}
	return env
}()

// References parses an expression and returns the column names it reads,
// sorted and deduplicated. Both bare identifiers and row["name"] lookups
// with a constant key are reported.
func References(expression string) ([]string, error) {
	parsed, issues := parseEnv.Parse(Normalize(expression))
	if issues != nil && issues.Err() != nil {
		return nil, &RuleEvaluationError{Expression: expression, Row: -1, Err: fmt.Errorf("parse: %w", issues.Err())}
	}

	seen := make(map[string]bool)
	visitor := celast.NewExprVisitor(func(ex celast.Expr) {
		switch ex.Kind() {
		case celast.IdentKind:
			if name := ex.AsIdent(); name != RowVariable {
				seen[name] = true
			}
		case celast.SelectKind:
			sel := ex.AsSelect()
			if op := sel.Operand(); op.Kind() == celast.IdentKind && op.AsIdent() == RowVariable {
				seen[sel.FieldName()] = true
			}
		case celast.CallKind:
			call := ex.AsCall()
			args := call.Args()
			if call.FunctionName() != operators.Index || len(args) != 2 {
				return
			}
			if args[0].Kind() != celast.IdentKind || args[0].AsIdent() != RowVariable {
				return
			}
			if args[1].Kind() == celast.LiteralKind {
				if key, ok := args[1].AsLiteral().Value().(string); ok {
					seen[key] = true
				}
			}
		}
	})
	celast.PostOrderVisit(parsed.NativeRep().Expr(), visitor)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
