// Package ruleset loads externally authored flag definitions, classification
// rules, and fuzzy-matching settings from a ruleset workbook.
//
// A workbook is either a YAML document with named sheets or a directory of
// CSV files, one per sheet. Either way each sheet is a list of records keyed
// by column name.
package ruleset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Sheet names used by the screening pipeline.
const (
	SheetFlags         = "flags"
	SheetInitialRules  = "initial_classification_rules"
	SheetFinalRules    = "final_classification_rules"
	SheetFuzzy         = "fuzzy_string"
	SheetFilepaths     = "filepaths"
	SupportedSchemaVer = "^1"
)

// Record is one row of a sheet.
type Record map[string]any

// Sheet is a named table of records.
type Sheet struct {
	Name    string
	Columns []string
	Records []Record
}

// HasColumn reports whether the sheet declares the column.
func (s *Sheet) HasColumn(name string) bool {
	return slices.Contains(s.Columns, name)
}

// Workbook is a loaded ruleset container.
type Workbook struct {
	SchemaVersion string
	Source        string
	sheets        map[string]*Sheet
}

type workbookFile struct {
	SchemaVersion string                      `yaml:"schema_version"`
	Sheets        map[string][]map[string]any `yaml:"sheets"`
}

// LoadWorkbook loads a YAML workbook file or a directory of CSV sheets.
func LoadWorkbook(path string) (*Workbook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset not found at %q: %w", path, err)
	}
	if info.IsDir() {
		return loadCSVDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset %q: %w", path, err)
	}
	wb, err := ParseWorkbook(data)
	if err != nil {
		return nil, fmt.Errorf("parse ruleset %q: %w", path, err)
	}
	wb.Source = path
	return wb, nil
}

// ParseWorkbook parses a YAML workbook document.
func ParseWorkbook(data []byte) (*Workbook, error) {
	var file workbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	wb := &Workbook{
		SchemaVersion: file.SchemaVersion,
		sheets:        make(map[string]*Sheet, len(file.Sheets)),
	}
	for name, rows := range file.Sheets {
		sheet := &Sheet{Name: name}
		seen := make(map[string]bool)
		for _, row := range rows {
			keys := make([]string, 0, len(row))
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					sheet.Columns = append(sheet.Columns, k)
				}
			}
			sheet.Records = append(sheet.Records, Record(row))
		}
		wb.sheets[name] = sheet
	}

	if err := wb.checkVersion(); err != nil {
		return nil, err
	}
	return wb, nil
}

func (w *Workbook) checkVersion() error {
	if w.SchemaVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(SupportedSchemaVer)
	if err != nil {
		return fmt.Errorf("invalid supported schema constraint: %w", err)
	}
	v, err := semver.NewVersion(w.SchemaVersion)
	if err != nil {
		return &SchemaError{Sheet: "schema_version", Reason: fmt.Sprintf("invalid version %q: %v", w.SchemaVersion, err)}
	}
	if !constraint.Check(v) {
		return &SchemaError{
			Sheet:  "schema_version",
			Reason: fmt.Sprintf("version %s does not satisfy %s", v, SupportedSchemaVer),
		}
	}
	return nil
}

// Sheet returns a sheet by name.
func (w *Workbook) Sheet(name string) (*Sheet, error) {
	sheet, ok := w.sheets[name]
	if !ok {
		return nil, &SchemaError{
			Sheet:  name,
			Reason: fmt.Sprintf("worksheet not found; available sheets: %v", w.SheetNames()),
		}
	}
	return sheet, nil
}

// HasSheet reports whether the workbook contains the sheet.
func (w *Workbook) HasSheet(name string) bool {
	_, ok := w.sheets[name]
	return ok
}

// SheetNames lists sheets in sorted order.
func (w *Workbook) SheetNames() []string {
	names := make([]string, 0, len(w.sheets))
	for name := range w.sheets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadCSVDir(dir string) (*Workbook, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	wb := &Workbook{Source: dir, sheets: make(map[string]*Sheet, len(matches))}
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".csv")
		sheet, err := ReadSheetCSV(name, f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		wb.sheets[name] = sheet
	}
	return wb, nil
}

// ReadSheetCSV reads one sheet from CSV text. Empty cells become nil.
func ReadSheetCSV(name string, r io.Reader) (*Sheet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Sheet{Name: name}, nil
		}
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	sheet := &Sheet{Name: name, Columns: header}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) && strings.TrimSpace(row[i]) != "" {
				rec[col] = row[i]
			} else {
				rec[col] = nil
			}
		}
		sheet.Records = append(sheet.Records, rec)
	}
	return sheet, nil
}

func requireColumns(sheet *Sheet, required ...string) error {
	var missing []string
	for _, col := range required {
		if !sheet.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Sheet: sheet.Name, Missing: missing}
	}
	return nil
}
