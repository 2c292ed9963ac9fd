// Package config builds the run configuration from defaults, an optional
// YAML file, the ruleset's filepaths sheet and SURVEYSCREEN_* environment
// variables. A Config is built once and passed down; nothing mutates it later.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/surveyscreen/pkg/telemetry"
)

// Environment variables.
const (
	EnvLogLevel     = "SURVEYSCREEN_LOG_LEVEL"
	EnvLogFormat    = "SURVEYSCREEN_LOG_FORMAT"
	EnvRuleset      = "SURVEYSCREEN_RULESET"
	EnvOTLPEndpoint = "SURVEYSCREEN_OTLP_ENDPOINT"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Paths are the files a run reads and writes. Keys match the filepaths sheet.
type Paths struct {
	DataFile        string `yaml:"data_file"`
	FuzzyFile       string `yaml:"fuzzy_file"`
	FlaggedFile     string `yaml:"flagged_file"`
	ManualFile      string `yaml:"manual_file"`
	FinalOutputFile string `yaml:"final_output_file"`
	FigureFolder    string `yaml:"figure_folder"`
	WorldShapeFile  string `yaml:"world_shape_file"`
	IPTable         string `yaml:"ip_table"`
	SQLiteFile      string `yaml:"sqlite_file"`
}

// Config holds run configuration.
type Config struct {
	// Ruleset is the workbook path: a YAML file or a directory of sheet CSVs.
	Ruleset      string           `yaml:"ruleset"`
	Paths        Paths            `yaml:"paths"`
	LogLevel     string           `yaml:"log_level"`
	LogFormat    string           `yaml:"log_format"`
	DefaultLabel string           `yaml:"default_label"`
	NoSummaries  bool             `yaml:"no_summaries"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ruleset:      "ruleset.yaml",
		LogLevel:     "INFO",
		LogFormat:    FormatText,
		DefaultLabel: "VALID",
		Telemetry:    *telemetry.DefaultConfig(),
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.LogFormat = v
	}
	if v, ok := lookup(EnvRuleset); ok && v != "" {
		c.Ruleset = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate checks the log settings.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("config: log_format must be %q or %q, got %q", FormatText, FormatJSON, c.LogFormat)
	}
	return nil
}

// WithFilepaths returns a copy whose empty paths are filled from a filepaths
// sheet. Paths already set take precedence.
func (c *Config) WithFilepaths(sheet map[string]string) *Config {
	out := *c
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(sheet[key])
		}
	}
	fill(&out.Paths.DataFile, "data_file")
	fill(&out.Paths.FuzzyFile, "fuzzy_file")
	fill(&out.Paths.FlaggedFile, "flagged_file")
	fill(&out.Paths.ManualFile, "manual_file")
	fill(&out.Paths.FinalOutputFile, "final_output_file")
	fill(&out.Paths.FigureFolder, "figure_folder")
	fill(&out.Paths.WorldShapeFile, "world_shape_file")
	fill(&out.Paths.IPTable, "ip_table")
	fill(&out.Paths.SQLiteFile, "sqlite_file")
	return &out
}

// MissingPathError reports a path a stage needs but no source provided.
type MissingPathError struct {
	Key string
}

func (e *MissingPathError) Error() string {
	return fmt.Sprintf("file path %q not found in the configuration or the filepaths sheet", e.Key)
}

// Require returns the path for a filepaths key or a MissingPathError.
func (p Paths) Require(key string) (string, error) {
	var v string
	switch key {
	case "data_file":
		v = p.DataFile
	case "fuzzy_file":
		v = p.FuzzyFile
	case "flagged_file":
		v = p.FlaggedFile
	case "manual_file":
		v = p.ManualFile
	case "final_output_file":
		v = p.FinalOutputFile
	case "figure_folder":
		v = p.FigureFolder
	case "world_shape_file":
		v = p.WorldShapeFile
	case "ip_table":
		v = p.IPTable
	case "sqlite_file":
		v = p.SQLiteFile
	}
	if v == "" {
		return "", &MissingPathError{Key: key}
	}
	return v, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
