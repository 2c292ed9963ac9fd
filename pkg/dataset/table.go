// Package dataset holds survey responses as an in-memory, column-major table.
//
// Row identity is the row index. Nothing in this package reorders or drops rows;
// columns are only ever appended or replaced in place.
package dataset

import (
	"fmt"
	"slices"
)

// Table is a column-major table of heterogeneous values.
//
// Cell values are one of string, float64, int64, bool, time.Time, or nil for missing.
type Table struct {
	columns []string
	index   map[string]int
	data    [][]any
	rows    int
}

// New creates an empty table with a fixed number of rows.
func New(rows int) *Table {
	return &Table{
		index: make(map[string]int),
		rows:  rows,
	}
}

// FromColumns builds a table from named columns. All columns must have the same length.
func FromColumns(names []string, columns [][]any) (*Table, error) {
	if len(names) != len(columns) {
		return nil, fmt.Errorf("dataset: %d names for %d columns", len(names), len(columns))
	}
	rows := 0
	if len(columns) > 0 {
		rows = len(columns[0])
	}
	t := New(rows)
	for i, name := range names {
		if err := t.SetColumn(name, columns[i]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// Width returns the number of columns.
func (t *Table) Width() int { return len(t.columns) }

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	return slices.Clone(t.columns)
}

// Has reports whether the column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the values of a column. The slice is shared with the table.
func (t *Table) Column(name string) ([]any, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.data[i], true
}

// MustColumn returns a column or an error naming the missing column.
func (t *Table) MustColumn(name string) ([]any, error) {
	col, ok := t.Column(name)
	if !ok {
		return nil, &MissingColumnError{Column: name}
	}
	return col, nil
}

// Value returns a single cell, nil when the column does not exist.
func (t *Table) Value(row int, name string) any {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	return t.data[i][row]
}

// SetColumn appends a new column or replaces an existing one in place.
func (t *Table) SetColumn(name string, values []any) error {
	if name == "" {
		return fmt.Errorf("dataset: empty column name")
	}
	if len(values) != t.rows {
		return fmt.Errorf("dataset: column %q has %d values, table has %d rows", name, len(values), t.rows)
	}
	if i, ok := t.index[name]; ok {
		t.data[i] = values
		return nil
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	t.data = append(t.data, values)
	return nil
}

// SetBools stores a boolean column.
func (t *Table) SetBools(name string, values []bool) error {
	col := make([]any, len(values))
	for i, v := range values {
		col[i] = v
	}
	return t.SetColumn(name, col)
}

// SetInts stores an integer column.
func (t *Table) SetInts(name string, values []int64) error {
	col := make([]any, len(values))
	for i, v := range values {
		col[i] = v
	}
	return t.SetColumn(name, col)
}

// Truncate drops every column appended after the first width columns.
// It is used to roll back helper columns of a failed flag.
func (t *Table) Truncate(width int) {
	if width < 0 || width >= len(t.columns) {
		return
	}
	for _, name := range t.columns[width:] {
		delete(t.index, name)
	}
	t.columns = t.columns[:width]
	t.data = t.data[:width]
}

// Row returns a copy of one row as a column name to value map.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.columns))
	for c, name := range t.columns {
		row[name] = t.data[c][i]
	}
	return row
}

// Clone returns a deep copy of the column structure. Cell values are immutable scalars.
func (t *Table) Clone() *Table {
	out := New(t.rows)
	for i, name := range t.columns {
		out.index[name] = i
		out.columns = append(out.columns, name)
		out.data = append(out.data, slices.Clone(t.data[i]))
	}
	return out
}

// MissingColumnError reports a reference to a column the table does not have.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q not found in dataset", e.Column)
}
