package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/surveyscreen/pkg/classify"
	"github.com/Mindburn-Labs/surveyscreen/pkg/config"
	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/expr"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/similarity"
)

const surveyCSV = `id,Duration,Q1,Q2,Comment
1,60,3,3,I really liked the survey overall
2,300,2,4,the survey overall I really liked
3,90,5,5,
4,500,1,2,Too long
`

const workbookTemplate = `schema_version: "1.0.0"
sheets:
  flags:
    - flag_name: F_FAST
      method_name: check_ValueInRange
      flag_group: FG_TIME
      use_flag: 1
      parameters: '{"column_name": "Duration", "lower_threshold": "-inf", "upper_threshold": 120}'
    - flag_name: F_BROKEN
      method_name: ValueInRange
      flag_group: FG_TIME
      use_flag: 1
      parameters: '{"column_name": "Nope", "lower_threshold": 0, "upper_threshold": 1}'
    - flag_name: F_SAME
      method_name: CustomCondition
      flag_group: FG_PATTERN
      use_flag: 1
      parameters: '{"condition": "Q1 == Q2"}'
  initial_classification_rules:
    - {rule_num: 1, condition_expr: "FG_TIME > 0 and FG_PATTERN > 0", classification: FRAUD, use_rule: 1}
    - {rule_num: 2, condition_expr: "F_FAST or F_SAME", classification: SUSPECT, use_rule: 1}
    - {rule_num: 3, condition_expr: "F_BROKEN", classification: NEVER, use_rule: 1}
  final_classification_rules:
    - {rule_num: 1, condition_expr: 'MANUAL_FLAG == "FRAUD"', classification: FRAUD, use_rule: 1}
    - {rule_num: 2, condition_expr: 'MANUAL_FLAG == "VALID"', classification: VALID, use_rule: 1}
    - {rule_num: 3, condition_expr: 'FLAG == "FRAUD"', classification: FRAUD, use_rule: 1}
  fuzzy_string:
    - {column: Comment, minimum_length: 7, fuzzy_algorithm: token_sort_ratio, threshold: 80, matrix_filepath: "DIR/matrix.csv"}
  filepaths:
    - {parameter: data_file, value: "DIR/survey.csv"}
    - {parameter: fuzzy_file, value: "DIR/out/fuzzy.csv"}
    - {parameter: flagged_file, value: "DIR/out/flagged.csv"}
    - {parameter: manual_file, value: "DIR/out/manual.csv"}
    - {parameter: final_output_file, value: "DIR/out/final.csv"}
    - {parameter: figure_folder, value: "DIR/figures"}
`

var fixedNow = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup writes the survey and a workbook whose paths point into a temp dir.
func setup(t *testing.T, workbook string) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "survey.csv"), []byte(surveyCSV), 0o600))
	rulesetPath := filepath.Join(dir, "ruleset.yaml")
	require.NoError(t, os.WriteFile(rulesetPath, []byte(strings.ReplaceAll(workbook, "DIR", dir)), 0o600))

	cfg := config.Default()
	cfg.Ruleset = rulesetPath
	return dir, cfg
}

func newPipeline(t *testing.T, cfg *config.Config, out io.Writer) *Pipeline {
	t.Helper()
	p, err := New(cfg, WithLogger(quietLogger()), WithOutput(out), WithClock(fixedNow))
	require.NoError(t, err)
	return p
}

func column(t *testing.T, tbl *dataset.Table, name string) []any {
	t.Helper()
	col, err := tbl.MustColumn(name)
	require.NoError(t, err)
	return col
}

func TestNew_FillsPathsFromWorkbook(t *testing.T) {
	dir, cfg := setup(t, workbookTemplate)
	cfg.Paths.FlaggedFile = filepath.Join(dir, "explicit.csv")

	p := newPipeline(t, cfg, io.Discard)
	assert.Equal(t, filepath.Join(dir, "survey.csv"), p.Config().Paths.DataFile)
	assert.Equal(t, filepath.Join(dir, "explicit.csv"), p.Config().Paths.FlaggedFile)
	assert.Empty(t, cfg.Paths.DataFile, "caller config untouched")
	assert.NotEmpty(t, p.RunID())

	cfg.Ruleset = filepath.Join(dir, "missing.yaml")
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	dir, cfg := setup(t, workbookTemplate)
	var out bytes.Buffer
	p := newPipeline(t, cfg, &out)
	sqlitePath := filepath.Join(dir, "out", "screen.db")

	// similar
	res, err := p.Run(ctx, StageSimilar, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 5, res.ColumnsBefore)
	assert.Equal(t, 7, res.ColumnsAfter)
	assert.FileExists(t, filepath.Join(dir, "matrix.csv"))

	fuzzy, err := dataset.LoadCSV(filepath.Join(dir, "out", "fuzzy.csv"))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 1.0, 0.0, 0.0}, column(t, fuzzy, similarity.CountColumn("Comment")))
	assert.Equal(t, `1. (100) "the survey overall I really liked"`, fuzzy.Value(0, similarity.SimilarColumn("Comment")))

	// flag, reading the fuzzy output
	res, err = p.Run(ctx, StageFlag, RunOptions{Input: filepath.Join(dir, "out", "fuzzy.csv"), SQLite: sqlitePath})
	require.NoError(t, err)
	assert.Equal(t, []string{"F_BROKEN"}, res.Failed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "F_BROKEN")
	assert.Equal(t, []string{"F_FAST", "F_SAME"}, res.Flags.Applied())
	assert.Equal(t, map[string]int{"FRAUD": 2, "VALID": 2}, res.Classification.Counts)
	assert.Equal(t, sqlitePath, res.SQLite)

	flagged, err := dataset.LoadCSV(filepath.Join(dir, "out", "flagged.csv"))
	require.NoError(t, err)
	assert.False(t, flagged.Has("F_BROKEN"))
	assert.Equal(t, []any{"FRAUD", "VALID", "FRAUD", "VALID"}, column(t, flagged, classify.InitialColumn))
	assert.Equal(t, []any{1.0, nil, 1.0, nil}, column(t, flagged, classify.RuleColumn(classify.InitialColumn)))
	assert.Equal(t, []any{"F_FAST; F_SAME", nil, "F_FAST; F_SAME", nil}, column(t, flagged, "ActiveFlags"))
	assert.Equal(t, []any{nil, nil, nil, nil}, column(t, flagged, ManualFlagColumn))
	assert.True(t, flagged.Has(ManualCommentColumn))

	db, err := dataset.OpenSQLite(sqlitePath)
	require.NoError(t, err)
	stored, err := dataset.ReadSQLite(ctx, db, tableFlagged)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Equal(t, flagged.Len(), stored.Len())
	assert.Equal(t, flagged.Columns(), stored.Columns())

	// initial descriptives
	res, err = p.Run(ctx, StageDescribe, RunOptions{})
	require.NoError(t, err)
	d := res.Descriptives
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Flags.FlaggedRows)
	assert.Equal(t, []string{"F_BROKEN"}, d.Flags.Absent)
	require.Len(t, d.Classifications, 1)
	assert.Equal(t, "FLAG", d.Classifications[0].Column)
	assert.Equal(t, []string{"F_FAST", "F_SAME", "FRAUD", "VALID"}, d.FlagMatrix.Labels)
	assert.Equal(t, []string{"FG_TIME", "FG_PATTERN", "FRAUD", "VALID"}, d.GroupMatrix.Labels)
	assert.Equal(t, []string{
		filepath.Join(dir, "figures", "F-FLAG_261017-120000.csv"),
		filepath.Join(dir, "figures", "FG-FLAG_261017-120000.csv"),
	}, d.Files)
	for _, f := range d.Files {
		assert.FileExists(t, f)
	}
	assert.Contains(t, out.String(), "Number of unique responses flagged: 2 out of 4")
	assert.Contains(t, out.String(), "Flag co-occurrence")

	// review
	out.Reset()
	res, err = p.Run(ctx, StageReview, RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "MANUAL_FLAG column")
	assert.Contains(t, out.String(), filepath.Join(dir, "out", "manual.csv"))
	assert.Equal(t, strings.TrimSpace(out.String()), res.Message)

	// a reviewer fills MANUAL_FLAG
	require.NoError(t, flagged.SetColumn(ManualFlagColumn, []any{"VALID", nil, nil, "FRAUD"}))
	require.NoError(t, dataset.SaveCSV(filepath.Join(dir, "out", "manual.csv"), flagged))

	// finalize
	res, err = p.Run(ctx, StageFinalize, RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, res.ColumnsBefore+2, res.ColumnsAfter)

	final, err := dataset.LoadCSV(filepath.Join(dir, "out", "final.csv"))
	require.NoError(t, err)
	assert.Equal(t, []any{"VALID", "VALID", "FRAUD", "FRAUD"}, column(t, final, classify.FinalColumn))
	assert.Equal(t, []any{2.0, nil, 3.0, 1.0}, column(t, final, classify.RuleColumn(classify.FinalColumn)))
	assert.Equal(t, column(t, flagged, classify.InitialColumn), column(t, final, classify.InitialColumn))

	// final descriptives
	res, err = p.Run(ctx, StageDescribe, RunOptions{Final: true, Quiet: true})
	require.NoError(t, err)
	d = res.Descriptives
	assert.Nil(t, d.Flags)
	require.Len(t, d.Classifications, 3)
	assert.Equal(t, "FINAL_FLAG", d.Classifications[2].Column)
	assert.Equal(t, filepath.Join(dir, "figures", "F-FLAG-MANUAL_FLAG-FINAL_FLAG_261017-120000.csv"), d.Files[0])
}

func TestFinalize_RequiresColumns(t *testing.T) {
	dir, cfg := setup(t, workbookTemplate)
	p := newPipeline(t, cfg, io.Discard)

	manual := filepath.Join(dir, "out", "manual.csv")
	tbl, err := dataset.FromColumns([]string{"id", "FLAG"}, [][]any{{1.0}, {"VALID"}})
	require.NoError(t, err)
	require.NoError(t, dataset.SaveCSV(manual, tbl))

	_, err = p.Finalize(context.Background(), RunOptions{})
	var missing *dataset.MissingColumnError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ManualFlagColumn, missing.Column)
	assert.NoFileExists(t, filepath.Join(dir, "out", "final.csv"))
}

func TestFinalize_WarnsWithoutManualFlags(t *testing.T) {
	dir, cfg := setup(t, workbookTemplate)
	p := newPipeline(t, cfg, io.Discard)

	manual := filepath.Join(dir, "out", "manual.csv")
	tbl, err := dataset.FromColumns(
		[]string{"id", "FLAG", "MANUAL_FLAG"},
		[][]any{{1.0, 2.0}, {"FRAUD", "VALID"}, {nil, nil}},
	)
	require.NoError(t, err)
	require.NoError(t, dataset.SaveCSV(manual, tbl))

	res, err := p.Finalize(context.Background(), RunOptions{Output: filepath.Join(dir, "custom.csv")})
	require.NoError(t, err)
	assert.Equal(t, []string{"the file does not have any manual flags"}, res.Warnings)
	assert.Equal(t, filepath.Join(dir, "custom.csv"), res.Output)
	assert.Equal(t, map[string]int{"FRAUD": 1, "VALID": 1}, res.Classification.Counts)
}

func TestFlag_InitialRuleErrorIsFatal(t *testing.T) {
	broken := strings.Replace(workbookTemplate, `"F_FAST or F_SAME"`, `"Comment > 3"`, 1)
	dir, cfg := setup(t, broken)
	p := newPipeline(t, cfg, io.Discard)

	_, err := p.Flag(context.Background(), RunOptions{})
	var evalErr *expr.RuleEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "rule 2", evalErr.Rule)
	assert.NoFileExists(t, filepath.Join(dir, "out", "flagged.csv"))
}

func TestStages_MissingPath(t *testing.T) {
	_, cfg := setup(t, "sheets:\n  flags: []\n")
	p := newPipeline(t, cfg, io.Discard)

	_, err := p.Run(context.Background(), StageFinalize, RunOptions{})
	var missing *config.MissingPathError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "manual_file", missing.Key)

	_, err = p.Run(context.Background(), Stage("plot"), RunOptions{})
	var unknown *UnknownStageError
	assert.ErrorAs(t, err, &unknown)
}

func TestValidate(t *testing.T) {
	_, cfg := setup(t, workbookTemplate)
	p := newPipeline(t, cfg, io.Discard)

	res, err := p.Validate(context.Background(), RunOptions{})
	require.NoError(t, err)
	v := res.Validation
	assert.Equal(t, 3, v.Flags)
	assert.Equal(t, []string{"FG_TIME", "FG_PATTERN"}, v.Groups)
	assert.Equal(t, 3, v.InitialRules)
	assert.Equal(t, 3, v.FinalRules)
	assert.Equal(t, []string{"Comment"}, v.FuzzyColumns)
	assert.Equal(t, []string{"FG_PATTERN", "FG_TIME", "FLAG", "F_BROKEN", "F_FAST", "F_SAME", "MANUAL_FLAG", "Q1", "Q2"}, v.References)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]struct {
		old, new string
	}{
		"unsupported function": {`"F_FAST or F_SAME"`, `"F_FAST.exists(x, x)"`},
		"syntax":               {`"F_FAST or F_SAME"`, `"F_FAST or ("`},
		"flag condition":       {`"Q1 == Q2"`, `"Q1 =="`},
		"fuzzy algorithm":      {`fuzzy_algorithm: token_sort_ratio`, `fuzzy_algorithm: soundex`},
		"unknown method":       {`method_name: CustomCondition`, `method_name: Telepathy`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, cfg := setup(t, strings.Replace(workbookTemplate, tc.old, tc.new, 1))
			p, err := New(cfg, WithLogger(quietLogger()))
			require.NoError(t, err)
			_, err = p.Validate(context.Background(), RunOptions{})
			assert.Error(t, err)
		})
	}
}

func TestValidate_FinalRulesOptional(t *testing.T) {
	idx := strings.Index(workbookTemplate, "  final_classification_rules:")
	end := strings.Index(workbookTemplate, "  fuzzy_string:")
	_, cfg := setup(t, workbookTemplate[:idx]+workbookTemplate[end:])
	p := newPipeline(t, cfg, io.Discard)

	res, err := p.Validate(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Validation.FinalRules)
	assert.Equal(t, []string{"no " + ruleset.SheetFinalRules + " sheet"}, res.Warnings)
}
