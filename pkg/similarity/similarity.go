// Package similarity marks open-text answers that closely resemble other
// answers in the same column.
//
// Every pair of rows is scored once, so a column of n answers costs n(n-1)/2
// scorer calls.
package similarity

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

// Defaults applied to zero-valued Options.
const (
	DefaultMinLength = 7
	DefaultAlgorithm = AlgorithmTokenSortRatio
	DefaultThreshold = 65
)

// CountColumn names the similar-answer count column of a text column.
func CountColumn(column string) string { return "FZ_COUNT_" + column }

// SimilarColumn names the similar-answer listing column of a text column.
func SimilarColumn(column string) string { return "FZ_SIMILAR_" + column }

// Options configures one Mark call.
type Options struct {
	Column string
	// MinLength is the trimmed length at least one answer of a pair needs
	// for the pair to be scored.
	MinLength int
	Algorithm string
	Threshold int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MinLength <= 0 {
		o.MinLength = DefaultMinLength
	}
	if o.Algorithm == "" {
		o.Algorithm = DefaultAlgorithm
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Matrix holds symmetric pairwise scores. The diagonal is zero and pairs
// skipped for length are zero.
type Matrix [][]int

// Scores computes the pairwise matrix of texts.
func Scores(ctx context.Context, texts []string, minLength int, scorer Scorer) (Matrix, error) {
	n := len(texts)
	normalizedTexts := make([]string, n)
	long := make([]bool, n)
	for i, s := range texts {
		normalizedTexts[i] = norm.NFC.String(s)
		long[i] = utf8.RuneCountInString(strings.TrimSpace(normalizedTexts[i])) >= minLength
	}

	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			if !long[i] && !long[j] {
				continue
			}
			score := int(scorer(normalizedTexts[i], normalizedTexts[j]))
			m[i][j] = score
			m[j][i] = score
		}
	}
	return m, nil
}

// Mark scores every pair of answers in opts.Column and writes FZ_COUNT_<col>
// (pairs at or above the threshold) and FZ_SIMILAR_<col> (the matching rows
// as `j. (score) "text"`, joined by "; ", missing when there are none).
func Mark(ctx context.Context, t *dataset.Table, opts Options) (Matrix, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "similarity", "column", opts.Column)

	scorer, err := Lookup(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	values, err := t.MustColumn(opts.Column)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(values))
	for i, v := range values {
		if dataset.IsMissing(v) {
			continue
		}
		texts[i], _ = dataset.AsString(v)
	}

	start := time.Now()
	logger.InfoContext(ctx, "scoring answers", "rows", len(texts), "algorithm", opts.Algorithm,
		"min_length", opts.MinLength, "threshold", opts.Threshold)
	m, err := Scores(ctx, texts, opts.MinLength, scorer)
	if err != nil {
		return nil, err
	}

	counts := make([]int64, len(texts))
	similar := make([]any, len(texts))
	for i := range m {
		var matches []string
		for j, score := range m[i] {
			if score < opts.Threshold {
				continue
			}
			counts[i]++
			matches = append(matches, fmt.Sprintf("%d. (%d) \"%s\"", j, score, texts[j]))
		}
		if len(matches) > 0 {
			similar[i] = strings.Join(matches, "; ")
		}
	}

	if err := t.SetInts(CountColumn(opts.Column), counts); err != nil {
		return nil, err
	}
	if err := t.SetColumn(SimilarColumn(opts.Column), similar); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "scoring complete", "elapsed", time.Since(start))
	return m, nil
}

// WriteCSV writes the matrix with a leading index column.
func (m Matrix) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(m)+1)
	for j := range m {
		header[j+1] = strconv.Itoa(j)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(m)+1)
	for i, row := range m {
		record[0] = strconv.Itoa(i)
		for j, score := range row {
			record[j+1] = strconv.Itoa(score)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the matrix to a .csv path.
func (m Matrix) WriteFile(path string) (err error) {
	if !strings.HasSuffix(strings.ToLower(path), ".csv") {
		return fmt.Errorf("similarity matrix path %q must be a CSV file", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return m.WriteCSV(f)
}
