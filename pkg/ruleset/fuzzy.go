package ruleset

import (
	"fmt"
	"strings"
)

// FuzzySetting is one row of the fuzzy_string sheet.
type FuzzySetting struct {
	Column     string
	MinLength  int
	Algorithm  string
	Threshold  int
	MatrixPath string
}

// Fuzzy defaults.
const (
	DefaultFuzzyMinLength = 7
	DefaultFuzzyAlgorithm = "token_sort_ratio"
	DefaultFuzzyThreshold = 65
)

// LoadFuzzy reads the fuzzy_string sheet. Empty cells fall back to the defaults.
func LoadFuzzy(sheet *Sheet) ([]FuzzySetting, error) {
	if err := requireColumns(sheet, "column"); err != nil {
		return nil, err
	}

	var out []FuzzySetting
	for i, rec := range sheet.Records {
		col := text(rec["column"])
		if col == "" {
			return nil, &SchemaError{Sheet: sheet.Name, Reason: fmt.Sprintf("record %d: empty column", i)}
		}
		s := FuzzySetting{
			Column:    col,
			MinLength: DefaultFuzzyMinLength,
			Algorithm: DefaultFuzzyAlgorithm,
			Threshold: DefaultFuzzyThreshold,
		}
		if v := rec["minimum_length"]; text(v) != "" {
			n, err := integer(v)
			if err != nil {
				return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: col, Field: "minimum_length", Err: err}
			}
			if n > 0 {
				s.MinLength = n
			}
		}
		if v := text(rec["fuzzy_algorithm"]); v != "" {
			s.Algorithm = v
		}
		if v := rec["threshold"]; text(v) != "" {
			n, err := integer(v)
			if err != nil {
				return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: col, Field: "threshold", Err: err}
			}
			if n > 0 {
				s.Threshold = n
			}
		}
		s.MatrixPath = text(rec["matrix_filepath"])
		if s.MatrixPath == "" {
			s.MatrixPath = text(rec["maxtrix_filepath"])
		}
		if s.MatrixPath != "" && !strings.HasSuffix(strings.ToLower(s.MatrixPath), ".csv") {
			return nil, &ConfigDecodeError{
				Sheet: sheet.Name, Record: i, Name: col, Field: "matrix_filepath",
				Err: fmt.Errorf("matrix path %q must be a CSV file", s.MatrixPath),
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadFilepaths reads the filepaths sheet as a parameter -> value map.
func LoadFilepaths(sheet *Sheet) (map[string]string, error) {
	if err := requireColumns(sheet, "parameter", "value"); err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(sheet.Records))
	for _, rec := range sheet.Records {
		key := text(rec["parameter"])
		if key == "" {
			continue
		}
		paths[key] = text(rec["value"])
	}
	return paths, nil
}
