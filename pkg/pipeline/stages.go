package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/surveyscreen/pkg/classify"
	"github.com/Mindburn-Labs/surveyscreen/pkg/detect"
	"github.com/Mindburn-Labs/surveyscreen/pkg/expr"
	"github.com/Mindburn-Labs/surveyscreen/pkg/report"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/similarity"
)

// Similar marks near-duplicate open-text answers for every column of the
// fuzzy_string sheet and writes the fuzzy file.
func (p *Pipeline) Similar(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.track(ctx, StageSimilar, func(ctx context.Context, res *Result) error {
		in, err := p.path(opts.Input, "data_file")
		if err != nil {
			return err
		}
		out, err := p.path(opts.Output, "fuzzy_file")
		if err != nil {
			return err
		}
		sheet, err := p.sheet(ruleset.SheetFuzzy)
		if err != nil {
			return err
		}
		settings, err := ruleset.LoadFuzzy(sheet)
		if err != nil {
			return err
		}

		t, err := p.load(ctx, res, in)
		if err != nil {
			return err
		}
		for _, s := range settings {
			m, err := similarity.Mark(ctx, t, similarity.Options{
				Column:    s.Column,
				MinLength: s.MinLength,
				Algorithm: s.Algorithm,
				Threshold: s.Threshold,
				Logger:    p.logger,
			})
			if err != nil {
				return fmt.Errorf("column %s: %w", s.Column, err)
			}
			if s.MatrixPath == "" {
				continue
			}
			if err := m.WriteFile(s.MatrixPath); err != nil {
				return fmt.Errorf("column %s: %w", s.Column, err)
			}
			p.logger.InfoContext(ctx, "similarity matrix written", "column", s.Column, "path", s.MatrixPath)
		}
		return p.save(ctx, res, t, out, opts.SQLite, tableFuzzy)
	})
}

// ClassificationCounts are the label tallies of one classification column.
type ClassificationCounts struct {
	Column string         `json:"column"`
	Counts []report.Count `json:"counts"`
}

// Descriptives is the output of the describe stage.
type Descriptives struct {
	Final           bool                   `json:"final"`
	Flags           *report.FlagSummary    `json:"flags,omitempty"`
	Classifications []ClassificationCounts `json:"classifications"`
	FlagMatrix      *report.Matrix         `json:"flag_matrix,omitempty"`
	GroupMatrix     *report.Matrix         `json:"group_matrix,omitempty"`
	// Files are the exported co-occurrence CSVs.
	Files []string `json:"files,omitempty"`
}

func classificationColumns(final bool) []string {
	if final {
		return []string{classify.InitialColumn, ManualFlagColumn, classify.FinalColumn}
	}
	return []string{classify.InitialColumn}
}

// Describe computes the initial (flagged file) or final (final output file)
// descriptives, prints them, and exports the co-occurrence matrices to the
// figure folder when one is configured.
func (p *Pipeline) Describe(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.track(ctx, StageDescribe, func(ctx context.Context, res *Result) error {
		key := "flagged_file"
		if opts.Final {
			key = "final_output_file"
		}
		in, err := p.path(opts.Input, key)
		if err != nil {
			return err
		}
		defs, err := p.loadFlags()
		if err != nil {
			return err
		}
		t, err := p.load(ctx, res, in)
		if err != nil {
			return err
		}
		res.ColumnsAfter = t.Width()

		d := &Descriptives{Final: opts.Final}
		if !opts.Final {
			d.Flags = report.FlagCounts(t, defs)
		}
		columns := classificationColumns(opts.Final)
		for _, col := range columns {
			counts, err := report.ClassificationCounts(t, col)
			if err != nil {
				return err
			}
			d.Classifications = append(d.Classifications, ClassificationCounts{Column: col, Counts: counts})
		}
		if d.FlagMatrix, err = report.Cooccurrence(t, ruleset.FlagNames(defs), columns); err != nil {
			return err
		}
		if groups := ruleset.GroupNames(defs); len(groups) > 0 {
			if d.GroupMatrix, err = report.Cooccurrence(t, groups, columns); err != nil {
				return err
			}
		}

		if folder := p.cfg.Paths.FigureFolder; folder != "" {
			if d.Files, err = p.exportMatrices(folder, columns, d); err != nil {
				return err
			}
			for _, f := range d.Files {
				p.logger.InfoContext(ctx, "co-occurrence matrix written", "path", f)
			}
		} else {
			p.logger.InfoContext(ctx, "co-occurrence matrices are not saved as figure_folder is not set")
		}

		res.Descriptives = d
		if opts.Quiet {
			return nil
		}
		return p.render(d)
	})
}

// exportMatrices writes F-<columns>_<stamp>.csv and FG-<columns>_<stamp>.csv.
func (p *Pipeline) exportMatrices(folder string, columns []string, d *Descriptives) ([]string, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create figure folder: %w", err)
	}
	stamp := p.now().Format("060102-150405")
	suffix := strings.Join(columns, "-") + "_" + stamp + ".csv"

	var files []string
	write := func(prefix string, m *report.Matrix) error {
		if m == nil {
			return nil
		}
		path := filepath.Join(folder, prefix+"-"+suffix)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := m.WriteCSV(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		files = append(files, path)
		return nil
	}
	if err := write("F", d.FlagMatrix); err != nil {
		return nil, err
	}
	if err := write("FG", d.GroupMatrix); err != nil {
		return nil, err
	}
	return files, nil
}

func (p *Pipeline) render(d *Descriptives) error {
	if d.Flags != nil {
		if err := d.Flags.Render(p.out); err != nil {
			return err
		}
	}
	for _, c := range d.Classifications {
		if err := report.RenderClassification(p.out, c.Column, c.Counts); err != nil {
			return err
		}
	}
	if err := d.FlagMatrix.Render(p.out, "Flag co-occurrence"); err != nil {
		return err
	}
	if d.GroupMatrix != nil {
		return d.GroupMatrix.Render(p.out, "Flag group co-occurrence")
	}
	return nil
}

// Validation summarizes a ruleset check.
type Validation struct {
	Flags        int      `json:"flags"`
	Groups       []string `json:"groups,omitempty"`
	InitialRules int      `json:"initial_rules"`
	FinalRules   int      `json:"final_rules"`
	FuzzyColumns []string `json:"fuzzy_columns,omitempty"`
	// References are the column names the conditions read.
	References []string `json:"references,omitempty"`
}

// Validate loads every sheet of the ruleset and compiles every condition
// without reading the dataset. Conditions are compiled against the columns
// they reference, so syntax, unsupported constructs and type errors surface
// here; whether a referenced column exists is only known at run time.
func (p *Pipeline) Validate(ctx context.Context, _ RunOptions) (*Result, error) {
	return p.track(ctx, StageValidate, func(ctx context.Context, res *Result) error {
		v := &Validation{}
		res.Validation = v
		refs := make(map[string]bool)

		defs, err := p.loadFlags()
		if err != nil {
			return err
		}
		if _, err := p.methods(defs); err != nil {
			return err
		}
		v.Flags = len(defs)
		v.Groups = ruleset.GroupNames(defs)
		for _, def := range defs {
			if detect.Canonical(def.Method) != (detect.CustomCondition{}).Name() {
				continue
			}
			condition, _ := def.Parameters["condition"].(string)
			if err := compileCondition(condition, refs); err != nil {
				return fmt.Errorf("flag %s: %w", def.Name, err)
			}
		}

		initial, err := p.loadRules(ruleset.SheetInitialRules)
		if err != nil {
			return err
		}
		if err := p.compileRules(initial, defs, refs); err != nil {
			return fmt.Errorf("%s: %w", ruleset.SheetInitialRules, err)
		}
		v.InitialRules = len(initial)

		if p.workbook.HasSheet(ruleset.SheetFinalRules) {
			final, err := p.loadRules(ruleset.SheetFinalRules)
			if err != nil {
				return err
			}
			if err := p.compileRules(final, defs, refs); err != nil {
				return fmt.Errorf("%s: %w", ruleset.SheetFinalRules, err)
			}
			v.FinalRules = len(final)
		} else {
			res.Warnings = append(res.Warnings, "no "+ruleset.SheetFinalRules+" sheet")
		}

		if p.workbook.HasSheet(ruleset.SheetFuzzy) {
			sheet, _ := p.sheet(ruleset.SheetFuzzy)
			settings, err := ruleset.LoadFuzzy(sheet)
			if err != nil {
				return err
			}
			for _, s := range settings {
				if _, err := similarity.Lookup(s.Algorithm); err != nil {
					return fmt.Errorf("column %s: %w", s.Column, err)
				}
				v.FuzzyColumns = append(v.FuzzyColumns, s.Column)
			}
		}

		for name := range refs {
			v.References = append(v.References, name)
		}
		sort.Strings(v.References)
		p.logger.InfoContext(ctx, "ruleset valid", "flags", v.Flags, "initial_rules", v.InitialRules,
			"final_rules", v.FinalRules, "fuzzy_columns", len(v.FuzzyColumns))
		return nil
	})
}

func compileCondition(condition string, refs map[string]bool) error {
	names, err := expr.References(condition)
	if err != nil {
		return err
	}
	evaluator, err := expr.NewEvaluator(names)
	if err != nil {
		return err
	}
	if _, err := evaluator.Compile(condition); err != nil {
		return err
	}
	for _, name := range names {
		refs[name] = true
	}
	return nil
}

func (p *Pipeline) compileRules(rules []ruleset.ClassificationRule, defs []ruleset.FlagDefinition, refs map[string]bool) error {
	var columns []string
	for _, r := range rules {
		names, err := expr.References(r.Condition)
		if err != nil {
			return fmt.Errorf("rule %d: %w", r.Num, err)
		}
		columns = append(columns, names...)
		for _, name := range names {
			refs[name] = true
		}
	}
	_, err := classify.New(rules, columns, p.classifyOptions(defs))
	return err
}
