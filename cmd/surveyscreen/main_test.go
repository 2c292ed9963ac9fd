package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/surveyscreen/pkg/config"
)

const ruleset = `sheets:
  flags:
    - flag_name: F_FAST
      method_name: ValueInRange
      flag_group: FG_TIME
      use_flag: 1
      parameters: '{"column_name": "Duration", "lower_threshold": 0, "upper_threshold": 120}'
  initial_classification_rules:
    - {rule_num: 1, condition_expr: "F_FAST", classification: SUSPECT, use_rule: 1}
  final_classification_rules:
    - {rule_num: 1, condition_expr: 'MANUAL_FLAG == "FRAUD"', classification: FRAUD, use_rule: 1}
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{config.EnvLogLevel, config.EnvLogFormat, config.EnvRuleset, config.EnvOTLPEndpoint} {
		t.Setenv(key, "")
	}
}

func writeFixtures(t *testing.T) (rulesetPath, dataPath string) {
	t.Helper()
	dir := t.TempDir()
	rulesetPath = filepath.Join(dir, "ruleset.yaml")
	dataPath = filepath.Join(dir, "survey.csv")
	require.NoError(t, os.WriteFile(rulesetPath, []byte(ruleset), 0o600))
	require.NoError(t, os.WriteFile(dataPath, []byte("id,Duration\n1,60\n2,600\n3,\n"), 0o600))
	return rulesetPath, dataPath
}

func TestRun_Usage(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, Run([]string{"surveyscreen"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"surveyscreen", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "finalize")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"surveyscreen", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), version)

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"surveyscreen", "plot"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: plot")

	assert.Equal(t, 2, Run([]string{"surveyscreen", "flag", "--nope"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"surveyscreen", "flag", "extra"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"surveyscreen", "flag", "--final"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"surveyscreen", "validate", "--config", "/does/not/exist.yaml"}, &stdout, &stderr))
}

func TestRun_StageFailure(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"surveyscreen", "validate", "--ruleset", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error")

	rulesetPath, _ := writeFixtures(t)
	stderr.Reset()
	code = Run([]string{"surveyscreen", "flag", "--ruleset", rulesetPath}, &stdout, &stderr)
	assert.Equal(t, 1, code, "no data_file anywhere")
	assert.Contains(t, stderr.String(), "data_file")
}

func TestRun_Validate(t *testing.T) {
	clearEnv(t)
	rulesetPath, _ := writeFixtures(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"surveyscreen", "validate", "--ruleset", rulesetPath, "--json"}, &stdout, &stderr), stderr.String())

	var res struct {
		Stage      string `json:"stage"`
		Validation struct {
			Flags        int `json:"flags"`
			InitialRules int `json:"initial_rules"`
		} `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.Equal(t, "validate", res.Stage)
	assert.Equal(t, 1, res.Validation.Flags)
	assert.Equal(t, 1, res.Validation.InitialRules)
}

func TestRun_FlagAndDescribe(t *testing.T) {
	clearEnv(t)
	rulesetPath, dataPath := writeFixtures(t)
	dir := filepath.Dir(dataPath)
	out := filepath.Join(dir, "flagged.csv")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"surveyscreen", "flag",
		"--ruleset", rulesetPath, "--data", dataPath, "--out", out,
		"--sqlite", filepath.Join(dir, "screen.db"),
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "Dimensions before: (3, 2). Dimensions after: (3, 10).")
	assert.FileExists(t, out)
	assert.FileExists(t, filepath.Join(dir, "screen.db"))

	stdout.Reset()
	code = Run([]string{"surveyscreen", "describe", "--ruleset", rulesetPath, "--data", out}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "Number of unique responses flagged: 1 out of 3")
	assert.Contains(t, stdout.String(), "SUSPECT")
	assert.Contains(t, stdout.String(), "not saved")
}

func TestRun_ConfigFile(t *testing.T) {
	clearEnv(t)
	rulesetPath, dataPath := writeFixtures(t)
	dir := filepath.Dir(dataPath)
	cfgPath := filepath.Join(dir, "surveyscreen.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ruleset: "+rulesetPath+"\nlog_format: json\npaths:\n  manual_file: "+filepath.Join(dir, "manual.csv")+"\n"), 0o600))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"surveyscreen", "review", "--config", cfgPath}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), filepath.Join(dir, "manual.csv"))
	assert.Contains(t, stderr.String(), `"msg":"stage complete"`)
}
