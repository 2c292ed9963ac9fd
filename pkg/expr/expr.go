// Package expr evaluates row-scoped boolean conditions written by ruleset
// authors. Conditions compile to CEL programs over one dataset row: columns
// whose names are identifiers are bound directly and every column is
// reachable as row["name"].
package expr

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

// RowVariable is the map variable holding every column of the current row.
const RowVariable = "row"

// modFunction replaces the % operator after validation. CEL only defines
// integer modulo and column numbers are bound as doubles.
const modFunction = "mod"

var identPattern = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true, "break": true,
	"const": true, "continue": true, "else": true, "for": true, "function": true,
	"if": true, "import": true, "let": true, "loop": true, "package": true,
	"namespace": true, "return": true, "var": true, "void": true, "while": true,
	RowVariable: true,
}

// allowedFunctions lists the callable names of the grammar, operators included.
var allowedFunctions = map[string]bool{
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Add:           true,
	operators.Subtract:      true,
	operators.Multiply:      true,
	operators.Divide:        true,
	operators.Modulo:        true,
	operators.Negate:        true,
	operators.In:            true,
	operators.Index:         true,
	"missing":               true,
	"contains":              true,
	"startsWith":            true,
	"endsWith":              true,
	"size":                  true,
	"int":                   true,
	"double":                true,
	"string":                true,
}

// Evaluator compiles conditions against a fixed set of columns. It is safe
// for concurrent use.
type Evaluator struct {
	env      *cel.Env
	idents   map[string]bool
	defaults map[string]any

	mu       sync.RWMutex
	prgCache map[string]*Condition
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDefaults binds values for names that may be absent from the table.
// Present columns take precedence.
func WithDefaults(values map[string]any) Option {
	return func(e *Evaluator) {
		for k, v := range values {
			e.defaults[k] = v
		}
	}
}

// NewEvaluator builds an evaluator for the given column names.
func NewEvaluator(columns []string, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		idents:   make(map[string]bool),
		defaults: make(map[string]any),
		prgCache: make(map[string]*Condition),
	}
	for _, opt := range opts {
		opt(e)
	}

	names := append([]string(nil), columns...)
	for k := range e.defaults {
		names = append(names, k)
	}
	sort.Strings(names)

	envOpts := []cel.EnvOption{
		cel.ClearMacros(),
		cel.CrossTypeNumericComparisons(true),
		cel.Variable(RowVariable, cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("missing",
			cel.Overload("missing_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(isMissingVal))),
		cel.Function(modFunction,
			cel.Overload("mod_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(floorMod))),
	}
	for _, name := range names {
		if e.idents[name] || !identPattern.MatchString(name) || reserved[name] {
			continue
		}
		e.idents[name] = true
		envOpts = append(envOpts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	e.env = env
	return e, nil
}

// Condition is a compiled, validated expression.
type Condition struct {
	Source     string
	Normalized string
	prg        cel.Program
	evaluator  *Evaluator
}

// Compile normalizes, validates, and compiles an expression. Results are cached.
func (e *Evaluator) Compile(expression string) (*Condition, error) {
	e.mu.RLock()
	cond, hit := e.prgCache[expression]
	e.mu.RUnlock()
	if hit {
		return cond, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cond, hit = e.prgCache[expression]; hit {
		return cond, nil
	}

	fail := func(err error) (*Condition, error) {
		return nil, &RuleEvaluationError{Expression: expression, Row: -1, Err: err}
	}

	normalized := Normalize(expression)
	parsed, issues := e.env.Parse(normalized)
	if issues != nil && issues.Err() != nil {
		return fail(fmt.Errorf("parse: %w", issues.Err()))
	}
	if err := validate(parsed); err != nil {
		return fail(err)
	}
	rewriteModulo(parsed)
	checked, issues := e.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return fail(fmt.Errorf("check: %w", issues.Err()))
	}
	prg, err := e.env.Program(checked,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fail(fmt.Errorf("program: %w", err))
	}

	cond = &Condition{Source: expression, Normalized: normalized, prg: prg, evaluator: e}
	e.prgCache[expression] = cond
	return cond, nil
}

// validate walks the parsed tree and rejects anything outside the grammar.
func validate(a *cel.Ast) error {
	var firstErr error
	visitor := celast.NewExprVisitor(func(ex celast.Expr) {
		if firstErr != nil {
			return
		}
		switch ex.Kind() {
		case celast.CallKind:
			name := ex.AsCall().FunctionName()
			if !allowedFunctions[name] {
				firstErr = &UnsupportedError{Construct: fmt.Sprintf("function %q", name)}
			}
		case celast.ComprehensionKind:
			firstErr = &UnsupportedError{Construct: "comprehension"}
		case celast.MapKind:
			firstErr = &UnsupportedError{Construct: "map literal"}
		case celast.StructKind:
			firstErr = &UnsupportedError{Construct: "message literal"}
		case celast.SelectKind:
			sel := ex.AsSelect()
			operand := sel.Operand()
			if sel.IsTestOnly() || operand.Kind() != celast.IdentKind || operand.AsIdent() != RowVariable {
				firstErr = &UnsupportedError{Construct: fmt.Sprintf("field selection .%s", sel.FieldName())}
			}
		}
	})
	celast.PostOrderVisit(a.NativeRep().Expr(), visitor)
	return firstErr
}

// rewriteModulo turns every a % b call into mod(a, b).
func rewriteModulo(a *cel.Ast) {
	fac := celast.NewExprFactory()
	visitor := celast.NewExprVisitor(func(ex celast.Expr) {
		if ex.Kind() != celast.CallKind {
			return
		}
		call := ex.AsCall()
		if call.FunctionName() != operators.Modulo || call.IsMemberFunction() {
			return
		}
		ex.SetKindCase(fac.NewCall(ex.ID(), modFunction, call.Args()...))
	})
	celast.PostOrderVisit(a.NativeRep().Expr(), visitor)
}

// Eval evaluates the condition against row i of t.
func (c *Condition) Eval(t *dataset.Table, i int) (bool, error) {
	return c.EvalActivation(&rowActivation{table: t, row: i, evaluator: c.evaluator}, i)
}

// EvalMap evaluates the condition against an explicit variable map.
func (c *Condition) EvalMap(vars map[string]any) (bool, error) {
	return c.EvalActivation(&mapActivation{vars: vars, evaluator: c.evaluator}, -1)
}

// EvalActivation evaluates the condition against any CEL activation. row is
// reported in errors; pass -1 when there is none.
func (c *Condition) EvalActivation(act interpreter.Activation, row int) (bool, error) {
	out, _, err := c.prg.Eval(act)
	if err != nil {
		return false, &RuleEvaluationError{Expression: c.Source, Row: row, Err: err}
	}
	ok, err := truthy(out)
	if err != nil {
		return false, &RuleEvaluationError{Expression: c.Source, Row: row, Err: err}
	}
	return ok, nil
}

// truthy interprets a condition result.
func truthy(v ref.Val) (bool, error) {
	switch x := v.(type) {
	case types.Bool:
		return bool(x), nil
	case types.Double:
		f := float64(x)
		return f != 0 && !math.IsNaN(f), nil
	case types.Int:
		return x != 0, nil
	case types.Uint:
		return x != 0, nil
	case types.String:
		return x != "", nil
	case types.Null:
		return false, nil
	}
	return false, fmt.Errorf("result of type %s is not a condition", v.Type().TypeName())
}

// floorMod is modulo with the sign of the divisor, so -3 % 2 is 1.
// Missing operands and a zero divisor give NaN.
func floorMod(lhs, rhs ref.Val) ref.Val {
	a, ok := numeric(lhs)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}
	b, ok := numeric(rhs)
	if !ok {
		return types.MaybeNoSuchOverloadErr(rhs)
	}
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return types.Double(r)
}

func numeric(v ref.Val) (float64, bool) {
	switch x := v.(type) {
	case types.Double:
		return float64(x), true
	case types.Int:
		return float64(x), true
	case types.Uint:
		return float64(x), true
	}
	return 0, false
}

func isMissingVal(v ref.Val) ref.Val {
	switch x := v.(type) {
	case types.Null:
		return types.True
	case types.Double:
		return types.Bool(math.IsNaN(float64(x)))
	}
	return types.False
}

// bindValue converts a dataset cell into a CEL value. Missing values become
// NaN so ordered comparisons against them are false, and every number is a
// double to match the literals Normalize produces.
func bindValue(v any) any {
	if dataset.IsMissing(v) {
		return math.NaN()
	}
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

// rowActivation resolves names lazily from one table row.
type rowActivation struct {
	table     *dataset.Table
	row       int
	evaluator *Evaluator
	rowMap    map[string]any
}

func (a *rowActivation) ResolveName(name string) (any, bool) {
	if name == RowVariable {
		if a.rowMap == nil {
			a.rowMap = make(map[string]any, a.table.Width()+len(a.evaluator.defaults))
			for k, v := range a.evaluator.defaults {
				a.rowMap[k] = bindValue(v)
			}
			for _, col := range a.table.Columns() {
				a.rowMap[col] = bindValue(a.table.Value(a.row, col))
			}
		}
		return a.rowMap, true
	}
	if a.table.Has(name) {
		return bindValue(a.table.Value(a.row, name)), true
	}
	if v, ok := a.evaluator.defaults[name]; ok {
		return bindValue(v), true
	}
	return nil, false
}

func (a *rowActivation) Parent() interpreter.Activation { return nil }

// mapActivation resolves names from an explicit map.
type mapActivation struct {
	vars      map[string]any
	evaluator *Evaluator
	rowMap    map[string]any
}

func (a *mapActivation) ResolveName(name string) (any, bool) {
	if name == RowVariable {
		if a.rowMap == nil {
			a.rowMap = make(map[string]any, len(a.vars)+len(a.evaluator.defaults))
			for k, v := range a.evaluator.defaults {
				a.rowMap[k] = bindValue(v)
			}
			for k, v := range a.vars {
				a.rowMap[k] = bindValue(v)
			}
		}
		return a.rowMap, true
	}
	if v, ok := a.vars[name]; ok {
		return bindValue(v), true
	}
	if v, ok := a.evaluator.defaults[name]; ok {
		return bindValue(v), true
	}
	return nil, false
}

func (a *mapActivation) Parent() interpreter.Activation { return nil }
