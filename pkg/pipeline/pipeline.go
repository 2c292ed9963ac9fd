// Package pipeline runs the screening stages against files named by a
// config.Config: similar, flag, describe, review, finalize and validate.
//
// Each stage reads one CSV dataset, appends columns, and writes the result
// to the next stage's input path. Stages are traced and timed, and log the
// dataset dimensions before and after.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/surveyscreen/pkg/classify"
	"github.com/Mindburn-Labs/surveyscreen/pkg/config"
	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/detect"
	"github.com/Mindburn-Labs/surveyscreen/pkg/flagging"
	"github.com/Mindburn-Labs/surveyscreen/pkg/geo"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/telemetry"
)

// Stage names a pipeline step.
type Stage string

const (
	StageSimilar  Stage = "similar"
	StageFlag     Stage = "flag"
	StageDescribe Stage = "describe"
	StageReview   Stage = "review"
	StageFinalize Stage = "finalize"
	StageValidate Stage = "validate"
)

// Stages lists every stage in run order.
func Stages() []Stage {
	return []Stage{StageSimilar, StageFlag, StageDescribe, StageReview, StageFinalize, StageValidate}
}

// Manual review columns added by the flag stage.
const (
	ManualFlagColumn    = "MANUAL_FLAG"
	ManualCommentColumn = "MANUAL_COMMENT"
)

// SQLite table names per stage output.
const (
	tableFuzzy   = "fuzzy"
	tableFlagged = "flagged"
	tableFinal   = "final"
)

// UnknownStageError reports a stage name Run does not know.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

// RunOptions override the configured paths for one stage run.
type RunOptions struct {
	// Input replaces the stage's input file.
	Input string
	// Output replaces the stage's output file.
	Output string
	// SQLite also writes the output table to this database.
	SQLite string
	// Final selects the final descriptives in the describe stage.
	Final bool
	// Quiet suppresses the human-readable tables and messages.
	Quiet bool
}

// Result describes one completed stage.
type Result struct {
	Stage         Stage         `json:"stage"`
	RunID         string        `json:"run_id"`
	Input         string        `json:"input,omitempty"`
	Output        string        `json:"output,omitempty"`
	SQLite        string        `json:"sqlite,omitempty"`
	Rows          int           `json:"rows"`
	ColumnsBefore int           `json:"columns_before"`
	ColumnsAfter  int           `json:"columns_after"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Warnings      []string      `json:"warnings,omitempty"`
	Message       string        `json:"message,omitempty"`

	Flags          *flagging.Report  `json:"-"`
	Failed         []string          `json:"failed_flags,omitempty"`
	Classification *classify.Summary `json:"classification,omitempty"`
	Descriptives   *Descriptives     `json:"descriptives,omitempty"`
	Validation     *Validation       `json:"validation,omitempty"`
}

// Pipeline runs stages with one configuration.
type Pipeline struct {
	cfg       *config.Config
	workbook  *ruleset.Workbook
	logger    *slog.Logger
	telemetry *telemetry.Provider
	out       io.Writer
	now       func() time.Time
	runID     string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(provider *telemetry.Provider) Option {
	return func(p *Pipeline) { p.telemetry = provider }
}

// WithOutput sets where tables and review instructions are printed.
func WithOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithClock sets the clock used to stamp exported files.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New loads the ruleset workbook named by cfg and fills unset paths from its
// filepaths sheet.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: nil config")
	}
	p := &Pipeline{
		cfg:       cfg,
		logger:    slog.Default(),
		telemetry: telemetry.Disabled(),
		out:       io.Discard,
		now:       time.Now,
		runID:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline", "run_id", p.runID)

	wb, err := ruleset.LoadWorkbook(cfg.Ruleset)
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}
	p.workbook = wb

	if wb.HasSheet(ruleset.SheetFilepaths) {
		sheet, _ := wb.Sheet(ruleset.SheetFilepaths)
		paths, err := ruleset.LoadFilepaths(sheet)
		if err != nil {
			return nil, err
		}
		p.cfg = cfg.WithFilepaths(paths)
	}
	return p, nil
}

// Config returns the effective configuration, filepaths sheet applied.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// RunID identifies this pipeline's runs in logs and telemetry.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes one stage.
func (p *Pipeline) Run(ctx context.Context, stage Stage, opts RunOptions) (*Result, error) {
	switch stage {
	case StageSimilar:
		return p.Similar(ctx, opts)
	case StageFlag:
		return p.Flag(ctx, opts)
	case StageDescribe:
		return p.Describe(ctx, opts)
	case StageReview:
		return p.Review(ctx, opts)
	case StageFinalize:
		return p.Finalize(ctx, opts)
	case StageValidate:
		return p.Validate(ctx, opts)
	}
	return nil, &UnknownStageError{Stage: string(stage)}
}

// track runs fn inside a stage span and logs its outcome.
func (p *Pipeline) track(ctx context.Context, stage Stage, fn func(context.Context, *Result) error) (*Result, error) {
	ctx, done := p.telemetry.TrackOperation(ctx, "stage."+string(stage),
		telemetry.AttrStage.String(string(stage)),
		telemetry.AttrRunID.String(p.runID),
	)
	logger := p.logger.With("stage", stage)
	logger.InfoContext(ctx, "stage started")

	res := &Result{Stage: stage, RunID: p.runID}
	start := time.Now()
	err := fn(ctx, res)
	res.Elapsed = time.Since(start)
	done(err)

	if err != nil {
		logger.ErrorContext(ctx, "stage failed", "error", err, "elapsed", res.Elapsed)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	logger.InfoContext(ctx, "stage complete", "elapsed", res.Elapsed)
	return res, nil
}

func (p *Pipeline) path(override, key string) (string, error) {
	if override != "" {
		return override, nil
	}
	return p.cfg.Paths.Require(key)
}

func (p *Pipeline) load(ctx context.Context, res *Result, path string) (*dataset.Table, error) {
	t, err := dataset.LoadCSV(path)
	if err != nil {
		return nil, err
	}
	res.Input = path
	res.Rows = t.Len()
	res.ColumnsBefore = t.Width()
	p.logger.InfoContext(ctx, "dataset loaded", "stage", res.Stage, "path", path, "rows", t.Len(), "columns", t.Width())
	return t, nil
}

func (p *Pipeline) save(ctx context.Context, res *Result, t *dataset.Table, path, sqlitePath, table string) error {
	if err := dataset.SaveCSV(path, t); err != nil {
		return err
	}
	res.Output = path
	res.ColumnsAfter = t.Width()
	p.logger.InfoContext(ctx, "dataset written", "stage", res.Stage, "path", path, "rows", t.Len(), "columns", t.Width())

	if sqlitePath == "" {
		sqlitePath = p.cfg.Paths.SQLiteFile
	}
	if sqlitePath == "" {
		return nil
	}
	db, err := dataset.OpenSQLite(sqlitePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := dataset.WriteSQLite(ctx, db, table, t); err != nil {
		return err
	}
	res.SQLite = sqlitePath
	p.logger.InfoContext(ctx, "sqlite table written", "stage", res.Stage, "path", sqlitePath, "table", table)
	return nil
}

func (p *Pipeline) sheet(name string) (*ruleset.Sheet, error) {
	return p.workbook.Sheet(name)
}

// methods builds the detection registry. Location collaborators are loaded
// only when a definition needs them.
func (p *Pipeline) methods(defs []ruleset.FlagDefinition) (*detect.Registry, error) {
	deps := detect.Dependencies{Logger: p.logger}
	for _, def := range defs {
		switch detect.Canonical(def.Method) {
		case detect.IPLocation{}.Name():
			if deps.IPLocator != nil || p.cfg.Paths.IPTable == "" {
				continue
			}
			table, err := geo.LoadPrefixTable(p.cfg.Paths.IPTable)
			if err != nil {
				return nil, fmt.Errorf("load ip table: %w", err)
			}
			deps.IPLocator = table
		case detect.LatLongLocation{}.Name():
			if deps.Countries != nil || p.cfg.Paths.WorldShapeFile == "" {
				continue
			}
			countries, err := geo.LoadBoundaries(p.cfg.Paths.WorldShapeFile)
			if err != nil {
				return nil, fmt.Errorf("load world shape file: %w", err)
			}
			deps.Countries = countries
		}
	}
	return detect.Default(deps)
}

// loadFlags reads the flags sheet against the built-in catalog.
func (p *Pipeline) loadFlags() ([]ruleset.FlagDefinition, error) {
	catalog, err := detect.Default(detect.Dependencies{Logger: p.logger})
	if err != nil {
		return nil, err
	}
	sheet, err := p.sheet(ruleset.SheetFlags)
	if err != nil {
		return nil, err
	}
	return ruleset.LoadFlags(sheet, catalog)
}

func (p *Pipeline) loadRules(name string) ([]ruleset.ClassificationRule, error) {
	sheet, err := p.sheet(name)
	if err != nil {
		return nil, err
	}
	return ruleset.LoadRules(sheet)
}

// flagColumns are bound to false in rules when a flag failed and its column is absent.
func flagColumns(defs []ruleset.FlagDefinition) []string {
	return append(ruleset.FlagNames(defs), ruleset.GroupNames(defs)...)
}

func (p *Pipeline) classifyOptions(defs []ruleset.FlagDefinition) classify.Options {
	return classify.Options{
		DefaultLabel: p.cfg.DefaultLabel,
		FlagColumns:  flagColumns(defs),
		Logger:       p.logger,
	}
}

// Flag applies the flags sheet and the initial classification rules, adds
// the manual review columns and writes the flagged file.
func (p *Pipeline) Flag(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.track(ctx, StageFlag, func(ctx context.Context, res *Result) error {
		in, err := p.path(opts.Input, "data_file")
		if err != nil {
			return err
		}
		out, err := p.path(opts.Output, "flagged_file")
		if err != nil {
			return err
		}
		defs, err := p.loadFlags()
		if err != nil {
			return err
		}
		rules, err := p.loadRules(ruleset.SheetInitialRules)
		if err != nil {
			return err
		}
		methods, err := p.methods(defs)
		if err != nil {
			return err
		}

		t, err := p.load(ctx, res, in)
		if err != nil {
			return err
		}

		engine := flagging.NewEngine(methods,
			flagging.WithLogger(p.logger),
			flagging.WithTelemetry(p.telemetry),
			flagging.WithSummaries(!p.cfg.NoSummaries),
		)
		flags, err := engine.Apply(ctx, t, defs)
		if err != nil {
			return err
		}
		res.Flags = flags
		for _, o := range flags.Failures() {
			res.Failed = append(res.Failed, o.Flag)
			res.Warnings = append(res.Warnings, fmt.Sprintf("flag %s was not applied: %v", o.Flag, o.Err))
		}

		summary, err := classify.Apply(ctx, t, rules, classify.InitialColumn, p.classifyOptions(defs))
		if err != nil {
			return err
		}
		res.Classification = summary

		for _, name := range []string{ManualFlagColumn, ManualCommentColumn} {
			if t.Has(name) {
				continue
			}
			if err := t.SetColumn(name, make([]any, t.Len())); err != nil {
				return err
			}
		}
		return p.save(ctx, res, t, out, opts.SQLite, tableFlagged)
	})
}

// Finalize combines the automated and manual classifications with the
// final rules and writes the final output file.
func (p *Pipeline) Finalize(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.track(ctx, StageFinalize, func(ctx context.Context, res *Result) error {
		in, err := p.path(opts.Input, "manual_file")
		if err != nil {
			return err
		}
		out, err := p.path(opts.Output, "final_output_file")
		if err != nil {
			return err
		}
		rules, err := p.loadRules(ruleset.SheetFinalRules)
		if err != nil {
			return err
		}
		var defs []ruleset.FlagDefinition
		if p.workbook.HasSheet(ruleset.SheetFlags) {
			if defs, err = p.loadFlags(); err != nil {
				return err
			}
		}

		t, err := p.load(ctx, res, in)
		if err != nil {
			return err
		}
		if _, err := t.MustColumn(classify.InitialColumn); err != nil {
			return fmt.Errorf("automated classification: %w", err)
		}
		manual, err := t.MustColumn(ManualFlagColumn)
		if err != nil {
			return fmt.Errorf("manual classification: %w", err)
		}
		if allMissing(manual) {
			msg := "the file does not have any manual flags"
			res.Warnings = append(res.Warnings, msg)
			p.logger.WarnContext(ctx, msg, "path", in)
		}

		summary, err := classify.Apply(ctx, t, rules, classify.FinalColumn, p.classifyOptions(defs))
		if err != nil {
			return err
		}
		res.Classification = summary
		return p.save(ctx, res, t, out, opts.SQLite, tableFinal)
	})
}

func allMissing(values []any) bool {
	for _, v := range values {
		if !dataset.IsMissing(v) {
			return false
		}
	}
	return true
}

// Review prints the manual review instructions.
func (p *Pipeline) Review(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.track(ctx, StageReview, func(ctx context.Context, res *Result) error {
		manual, err := p.path(opts.Input, "manual_file")
		if err != nil {
			return err
		}
		res.Input = manual
		res.Message = fmt.Sprintf("This step requires the user to manually classify each response by adding "+
			"a classification flag in the %s column in the `%s` file. "+
			"Proceed to the next step after manual classification is complete.", ManualFlagColumn, manual)
		if !opts.Quiet {
			_, err = fmt.Fprintln(p.out, res.Message)
		}
		return err
	})
}
