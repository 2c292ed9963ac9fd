package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")
	t.Setenv(EnvRuleset, "")
	t.Setenv(EnvOTLPEndpoint, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ruleset.yaml", cfg.Ruleset)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, FormatText, cfg.LogFormat)
	assert.Equal(t, "VALID", cfg.DefaultLabel)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surveyscreen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ruleset: rules/
log_level: debug
default_label: CLEAN
paths:
  data_file: data/raw.csv
telemetry:
  service_name: screen
  batch_timeout: 2s
`), 0o600))

	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvRuleset, "")
	t.Setenv(EnvOTLPEndpoint, "collector:4317")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rules/", cfg.Ruleset)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, FormatJSON, cfg.LogFormat)
	assert.Equal(t, "CLEAN", cfg.DefaultLabel)
	assert.Equal(t, "data/raw.csv", cfg.Paths.DataFile)
	assert.Equal(t, "screen", cfg.Telemetry.ServiceName)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.BatchTimeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("log_levle: debug\n"))
	assert.Error(t, err, "unknown key")

	_, err = Parse([]byte("log_level: chatty\n"))
	assert.ErrorContains(t, err, "log_level")

	_, err = Parse([]byte("log_format: xml\n"))
	assert.ErrorContains(t, err, "log_format")

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWithFilepaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataFile = "explicit.csv"

	filled := cfg.WithFilepaths(map[string]string{
		"data_file":         "sheet.csv",
		"flagged_file":      " out/flagged.csv ",
		"final_output_file": "out/final.csv",
		"unrelated":         "x",
	})
	assert.Equal(t, "explicit.csv", filled.Paths.DataFile)
	assert.Equal(t, "out/flagged.csv", filled.Paths.FlaggedFile)
	assert.Equal(t, "out/final.csv", filled.Paths.FinalOutputFile)
	assert.Empty(t, cfg.Paths.FlaggedFile, "receiver untouched")

	path, err := filled.Paths.Require("final_output_file")
	require.NoError(t, err)
	assert.Equal(t, "out/final.csv", path)

	_, err = filled.Paths.Require("manual_file")
	var missing *MissingPathError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "manual_file", missing.Key)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = FormatJSON
	cfg.LogLevel = "WARN"

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "flag", "F_FAST")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "F_FAST", entry["flag"])
}
