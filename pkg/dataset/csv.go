package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadCSV reads a table with a header row. Cells are typed with Infer.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset: empty csv input")
		}
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = trimBOM(header[0])
	}
	header = dedupeHeader(header)

	columns := make([][]any, len(header))
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read row %d: %w", line, err)
		}
		line++
		for c := range header {
			var cell any
			if c < len(record) {
				cell = Infer(record[c])
			}
			columns[c] = append(columns[c], cell)
		}
	}

	rows := line - 1
	for c := range columns {
		if columns[c] == nil {
			columns[c] = make([]any, rows)
		}
	}
	return FromColumns(header, columns)
}

// WriteCSV writes the table with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	record := make([]string, len(t.columns))
	for r := 0; r < t.rows; r++ {
		for c := range t.columns {
			record[c] = Format(t.data[c][r])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LoadCSV reads a table from a file.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	t, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// SaveCSV writes a table to a file, creating parent directories.
func SaveCSV(path string, t *Table) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := WriteCSV(f, t); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// dedupeHeader suffixes repeated column names with ".1", ".2", ...
func dedupeHeader(header []string) []string {
	seen := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, name := range header {
		n := seen[name]
		seen[name] = n + 1
		if n == 0 {
			out[i] = name
			continue
		}
		candidate := fmt.Sprintf("%s.%d", name, n)
		for seen[candidate] > 0 {
			n++
			candidate = fmt.Sprintf("%s.%d", name, n)
		}
		seen[candidate] = 1
		out[i] = candidate
	}
	return out
}

func trimBOM(s string) string {
	const bom = "\ufeff"
	if len(s) >= len(bom) && s[:len(bom)] == bom {
		return s[len(bom):]
	}
	return s
}
