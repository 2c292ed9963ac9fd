// Package flagging applies flag definitions to a dataset in declaration order.
//
// Each definition names a detection method that appends one boolean flag
// column. A failing definition is logged, recorded in the Report and rolled
// back; it never stops the definitions after it. Once every definition has
// run, group columns count the true member flags per row and the summary
// columns list the active flags and groups.
package flagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/detect"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/telemetry"
)

// Summary columns.
const (
	ActiveFlagsColumn      = "ActiveFlags"
	ActiveFlagGroupsColumn = "ActiveFlagGroups"
	summarySeparator       = "; "
)

// ErrNoFlagColumn is returned when a method succeeds without writing its flag.
var ErrNoFlagColumn = errors.New("method did not write its flag column")

// Methods resolves method names to implementations.
type Methods interface {
	Lookup(name string) (detect.Method, bool)
}

// UnknownMethodError reports a definition whose method is not registered.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown method %q", e.Method)
}

// Engine applies flag definitions.
type Engine struct {
	methods   Methods
	telemetry *telemetry.Provider
	logger    *slog.Logger
	summaries bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTelemetry records spans and metrics for every flag.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSummaries toggles the ActiveFlags and ActiveFlagGroups columns. On by default.
func WithSummaries(enabled bool) Option {
	return func(e *Engine) { e.summaries = enabled }
}

// NewEngine creates an engine over a method registry.
func NewEngine(methods Methods, opts ...Option) *Engine {
	e := &Engine{
		methods:   methods,
		telemetry: telemetry.Disabled(),
		logger:    slog.Default(),
		summaries: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "flagging")
	return e
}

// Outcome is the result of one definition.
type Outcome struct {
	Flag        string
	Method      string
	Group       string
	Fingerprint string
	// Flagged counts rows where the flag is true.
	Flagged  int
	Duration time.Duration
	Err      error
}

// Failed reports whether the definition was rolled back.
func (o Outcome) Failed() bool { return o.Err != nil }

// Report summarizes one Apply call.
type Report struct {
	RunID    string
	Rows     int
	Outcomes []Outcome
	Groups   []string
	// FlaggedRows counts rows with at least one true flag.
	FlaggedRows int
	Elapsed     time.Duration
}

// Applied lists the flags that were written, in order.
func (r *Report) Applied() []string {
	var out []string
	for _, o := range r.Outcomes {
		if !o.Failed() {
			out = append(out, o.Flag)
		}
	}
	return out
}

// Failures returns the rolled-back definitions.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Apply runs every definition against t in order, then writes group and
// summary columns. Definition failures are reported, not returned; the error
// is reserved for cancellation and failures writing the derived columns.
func (e *Engine) Apply(ctx context.Context, t *dataset.Table, defs []ruleset.FlagDefinition) (*Report, error) {
	if t == nil {
		return nil, errors.New("flagging: nil table")
	}
	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Rows: t.Len(), Groups: ruleset.GroupNames(defs)}
	logger := e.logger.With("run_id", report.RunID)

	ctx, done := e.telemetry.TrackOperation(ctx, "flagging.apply",
		telemetry.AttrStage.String("flag"), telemetry.AttrRunID.String(report.RunID))
	var runErr error
	defer func() { done(runErr) }()

	logger.InfoContext(ctx, "applying flags", "definitions", len(defs), "rows", t.Len(), "columns", t.Width())

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			runErr = err
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, e.applyOne(ctx, logger, t, def))
	}

	if runErr = e.writeGroups(t, defs, report); runErr != nil {
		return nil, runErr
	}
	if e.summaries {
		if runErr = e.writeSummaries(t, defs, report); runErr != nil {
			return nil, runErr
		}
	}
	report.FlaggedRows = countFlaggedRows(t, defs)
	report.Elapsed = time.Since(start)

	logger.InfoContext(ctx, "flagging complete",
		"applied", len(report.Applied()),
		"failed", len(report.Failures()),
		"rows_flagged", report.FlaggedRows,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func (e *Engine) applyOne(ctx context.Context, logger *slog.Logger, t *dataset.Table, def ruleset.FlagDefinition) Outcome {
	outcome := Outcome{Flag: def.Name, Method: detect.Canonical(def.Method), Group: def.Group, Fingerprint: def.Fingerprint}
	attrs := []attribute.KeyValue{telemetry.AttrFlag.String(def.Name), telemetry.AttrMethod.String(outcome.Method)}

	snap := takeSnapshot(t)
	spanCtx, done := e.telemetry.TrackOperation(ctx, "flag "+def.Name, attrs...)
	start := time.Now()
	err := e.invoke(spanCtx, t, def)
	outcome.Duration = time.Since(start)
	done(err)

	if err != nil {
		snap.restore(t)
		outcome.Err = err
		logger.ErrorContext(ctx, "flag failed",
			"flag", def.Name,
			"method", outcome.Method,
			"duration", outcome.Duration,
			"error_type", fmt.Sprintf("%T", errors.Unwrap(err)),
			"error", err,
		)
		return outcome
	}

	outcome.Flagged = countTrue(t, def.Name)
	e.telemetry.RecordFlagged(ctx, def.Name, outcome.Method, int64(outcome.Flagged))
	logger.InfoContext(ctx, "flag applied",
		"flag", def.Name,
		"method", outcome.Method,
		"flagged", outcome.Flagged,
		"duration", outcome.Duration,
	)
	return outcome
}

// FlagError wraps a method failure with the flag it belongs to.
type FlagError struct {
	Flag   string
	Method string
	Err    error
}

func (e *FlagError) Error() string {
	return fmt.Sprintf("flag %s (%s): %v", e.Flag, e.Method, e.Err)
}

func (e *FlagError) Unwrap() error { return e.Err }

func (e *Engine) invoke(ctx context.Context, t *dataset.Table, def ruleset.FlagDefinition) (err error) {
	wrap := func(cause error) error {
		return &FlagError{Flag: def.Name, Method: detect.Canonical(def.Method), Err: cause}
	}
	method, ok := e.methods.Lookup(def.Method)
	if !ok {
		return wrap(&UnknownMethodError{Method: def.Method})
	}
	defer func() {
		if r := recover(); r != nil {
			err = wrap(fmt.Errorf("method panicked: %v", r))
		}
	}()

	if err := method.Apply(ctx, t, def.Name, detect.NewParams(method.Name(), def.Parameters)); err != nil {
		return wrap(err)
	}
	if !t.Has(def.Name) {
		return wrap(ErrNoFlagColumn)
	}
	return nil
}

// snapshot remembers the column set so a failed method can be undone.
type snapshot struct {
	width  int
	shared map[string][]any
}

func takeSnapshot(t *dataset.Table) snapshot {
	s := snapshot{width: t.Width(), shared: make(map[string][]any, t.Width())}
	for _, name := range t.Columns() {
		s.shared[name], _ = t.Column(name)
	}
	return s
}

func (s snapshot) restore(t *dataset.Table) {
	t.Truncate(s.width)
	for name, values := range s.shared {
		if current, _ := t.Column(name); !sameBacking(current, values) {
			_ = t.SetColumn(name, values)
		}
	}
}

func sameBacking(a, b []any) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

func (e *Engine) writeGroups(t *dataset.Table, defs []ruleset.FlagDefinition, report *Report) error {
	for _, group := range report.Groups {
		counts := make([]int64, t.Len())
		for _, def := range defs {
			if def.Group != group {
				continue
			}
			col, ok := t.Column(def.Name)
			if !ok {
				continue
			}
			for i, v := range col {
				if b, _ := v.(bool); b {
					counts[i]++
				}
			}
		}
		if err := t.SetInts(group, counts); err != nil {
			return fmt.Errorf("write group %s: %w", group, err)
		}
	}
	return nil
}

func (e *Engine) writeSummaries(t *dataset.Table, defs []ruleset.FlagDefinition, report *Report) error {
	flags := make([]any, t.Len())
	groups := make([]any, t.Len())
	for i := range flags {
		var active []string
		for _, def := range defs {
			if b, _ := t.Value(i, def.Name).(bool); b {
				active = append(active, def.Name)
			}
		}
		if len(active) > 0 {
			flags[i] = strings.Join(active, summarySeparator)
		}

		var activeGroups []string
		for _, group := range report.Groups {
			if n, _ := t.Value(i, group).(int64); n > 0 {
				activeGroups = append(activeGroups, group)
			}
		}
		if len(activeGroups) > 0 {
			groups[i] = strings.Join(activeGroups, summarySeparator)
		}
	}
	if err := t.SetColumn(ActiveFlagsColumn, flags); err != nil {
		return err
	}
	return t.SetColumn(ActiveFlagGroupsColumn, groups)
}

func countTrue(t *dataset.Table, name string) int {
	col, _ := t.Column(name)
	n := 0
	for _, v := range col {
		if b, _ := v.(bool); b {
			n++
		}
	}
	return n
}

func countFlaggedRows(t *dataset.Table, defs []ruleset.FlagDefinition) int {
	n := 0
	for i := 0; i < t.Len(); i++ {
		for _, def := range defs {
			if b, _ := t.Value(i, def.Name).(bool); b {
				n++
				break
			}
		}
	}
	return n
}
