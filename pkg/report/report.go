// Package report computes descriptive statistics over a flagged dataset:
// flag and group counts, classification counts and co-occurrence matrices.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
	"github.com/Mindburn-Labs/surveyscreen/pkg/ruleset"
)

// Count is one labelled tally.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	// Rows counts rows where the value is non-zero; for flags it equals Count.
	Rows int `json:"rows"`
}

// FlagSummary tallies the flags of one run.
type FlagSummary struct {
	Rows        int     `json:"rows"`
	FlaggedRows int     `json:"flagged_rows"`
	Flags       []Count `json:"flags"`
	Groups      []Count `json:"groups"`
	// Absent lists definitions whose column is not in the table.
	Absent []string `json:"absent,omitempty"`
}

func indicator(v any) int {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int64:
		return int(x)
	}
	if f, ok := dataset.AsFloat(v); ok && f > 0 {
		return int(f)
	}
	return 0
}

// FlagCounts counts true values per flag, member totals per group, and rows
// with at least one flag. Flags absent from the table are listed, not counted.
func FlagCounts(t *dataset.Table, defs []ruleset.FlagDefinition) *FlagSummary {
	s := &FlagSummary{Rows: t.Len()}
	flagged := make([]bool, t.Len())
	for _, name := range ruleset.FlagNames(defs) {
		col, ok := t.Column(name)
		if !ok {
			s.Absent = append(s.Absent, name)
			continue
		}
		c := Count{Name: name}
		for i, v := range col {
			if indicator(v) > 0 {
				c.Count++
				flagged[i] = true
			}
		}
		c.Rows = c.Count
		s.Flags = append(s.Flags, c)
	}
	for _, f := range flagged {
		if f {
			s.FlaggedRows++
		}
	}
	for _, group := range ruleset.GroupNames(defs) {
		col, ok := t.Column(group)
		if !ok {
			continue
		}
		c := Count{Name: group}
		for _, v := range col {
			if n := indicator(v); n > 0 {
				c.Count += n
				c.Rows++
			}
		}
		s.Groups = append(s.Groups, c)
	}
	return s
}

// ClassificationCounts tallies the labels of a classification column,
// most frequent first, ties by label. Missing labels are not counted.
func ClassificationCounts(t *dataset.Table, column string) ([]Count, error) {
	col, err := t.MustColumn(column)
	if err != nil {
		return nil, err
	}
	tally := make(map[string]int)
	for _, v := range col {
		if dataset.IsMissing(v) {
			continue
		}
		label, _ := dataset.AsString(v)
		tally[label]++
	}
	out := make([]Count, 0, len(tally))
	for label, n := range tally {
		out = append(out, Count{Name: label, Count: n, Rows: n})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

// Matrix is a labelled square co-occurrence matrix.
type Matrix struct {
	Labels []string `json:"labels"`
	Values [][]int  `json:"values"`
	// Split is the index of the first classification label.
	Split int `json:"split"`
}

// Cooccurrence builds the co-occurrence matrix of the given flag or group
// columns and the one-hot labels of the classification columns. A flag is on
// when its value is true or positive. Flag columns absent from the table are
// skipped; absent classification columns are an error.
func Cooccurrence(t *dataset.Table, columns, classificationColumns []string) (*Matrix, error) {
	var labels []string
	var vectors [][]int

	for _, name := range columns {
		col, ok := t.Column(name)
		if !ok {
			continue
		}
		v := make([]int, t.Len())
		for i, cell := range col {
			if indicator(cell) > 0 {
				v[i] = 1
			}
		}
		labels = append(labels, name)
		vectors = append(vectors, v)
	}
	split := len(labels)

	for _, name := range classificationColumns {
		col, err := t.MustColumn(name)
		if err != nil {
			return nil, err
		}
		distinct := make(map[string]bool)
		for _, cell := range col {
			if !dataset.IsMissing(cell) {
				label, _ := dataset.AsString(cell)
				distinct[label] = true
			}
		}
		sorted := make([]string, 0, len(distinct))
		for label := range distinct {
			sorted = append(sorted, label)
		}
		sort.Strings(sorted)
		for _, label := range sorted {
			v := make([]int, t.Len())
			for i, cell := range col {
				if s, ok := dataset.AsString(cell); ok && !dataset.IsMissing(cell) && s == label {
					v[i] = 1
				}
			}
			labels = append(labels, label)
			vectors = append(vectors, v)
		}
	}

	m := &Matrix{Labels: labels, Split: split, Values: make([][]int, len(labels))}
	for a := range vectors {
		m.Values[a] = make([]int, len(labels))
		for b := range vectors {
			n := 0
			for i := range vectors[a] {
				n += vectors[a][i] * vectors[b][i]
			}
			m.Values[a][b] = n
		}
	}
	return m, nil
}

// WriteCSV writes the matrix with labels as header and first column.
func (m *Matrix) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{""}, m.Labels...)); err != nil {
		return err
	}
	for i, row := range m.Values {
		record := make([]string, 0, len(row)+1)
		record = append(record, m.Labels[i])
		for _, n := range row {
			record = append(record, strconv.Itoa(n))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCountsCSV writes counts as name,count,rows.
func WriteCountsCSV(w io.Writer, counts []Count) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"name", "count", "rows"}); err != nil {
		return err
	}
	for _, c := range counts {
		if err := cw.Write([]string{c.Name, strconv.Itoa(c.Count), strconv.Itoa(c.Rows)}); err != nil {
			return fmt.Errorf("write %s: %w", c.Name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
