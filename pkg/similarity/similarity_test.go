package similarity

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

func TestScorers(t *testing.T) {
	cases := []struct {
		name   string
		scorer Scorer
		a, b   string
		want   int
	}{
		{"ratio identical", Ratio, "abc", "abc", 100},
		{"ratio one substitution", Ratio, "abcd", "abce", 75},
		{"ratio disjoint", Ratio, "abc", "xyz", 0},
		{"ratio both empty", Ratio, "", "", 100},
		{"ratio case sensitive", Ratio, "ab", "AB", 0},
		{"sort permuted words", TokenSortRatio, "world hello", "hello world", 100},
		{"sort extra spaces", TokenSortRatio, "  fox   the ", "the fox", 100},
		{"set subset", TokenSetRatio, "hello world", "hello there world", 100},
		{"set disjoint", TokenSetRatio, "a b", "c d", 33},
		{"set empty side", TokenSetRatio, "", "anything", 0},
		{"set duplicates ignored", TokenSetRatio, "yes yes yes", "yes", 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, int(tc.scorer(tc.a, tc.b)))
			assert.Equal(t, tc.want, int(tc.scorer(tc.b, tc.a)), "symmetric")
		})
	}
}

func TestTokenSetRatio_PartialOverlap(t *testing.T) {
	// Shared "the", remainders "cat" and "dog": the sect-only comparisons score
	// 100*(1 - 4/10) = 60, the remainder comparison 100*(1 - 6/14).
	score := TokenSetRatio("the cat", "the dog")
	assert.InDelta(t, 60.0, score, 1e-9)
}

func TestLookup(t *testing.T) {
	s, err := Lookup("token_set_ratio")
	require.NoError(t, err)
	assert.Equal(t, 100, int(s("a b", "b a")))

	_, err = Lookup("WRatio")
	var unknown *UnknownAlgorithmError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, err.Error(), "token_sort_ratio")
	assert.Equal(t, []string{"ratio", "token_set_ratio", "token_sort_ratio"}, Algorithms())
}

func TestMark(t *testing.T) {
	tbl, err := dataset.FromColumns([]string{"Q_open"}, [][]any{{
		"the quick brown fox",
		"brown fox the quick",
		"short",
		nil,
		"zzzzzzzzzz",
	}})
	require.NoError(t, err)

	m, err := Mark(context.Background(), tbl, Options{Column: "Q_open"})
	require.NoError(t, err)
	require.Len(t, m, 5)
	assert.Equal(t, 100, m[0][1])
	assert.Equal(t, 100, m[1][0])
	assert.Equal(t, 0, m[2][3], "two short answers are never scored")
	for i := range m {
		assert.Equal(t, 0, m[i][i])
	}

	counts, _ := tbl.Column(CountColumn("Q_open"))
	assert.Equal(t, []any{int64(1), int64(1), int64(0), int64(0), int64(0)}, counts)
	similar, _ := tbl.Column(SimilarColumn("Q_open"))
	assert.Equal(t, []any{
		`1. (100) "brown fox the quick"`,
		`0. (100) "the quick brown fox"`,
		nil, nil, nil,
	}, similar)
}

func TestMark_Errors(t *testing.T) {
	tbl, err := dataset.FromColumns([]string{"Q"}, [][]any{{"a"}})
	require.NoError(t, err)

	_, err = Mark(context.Background(), tbl, Options{Column: "Missing"})
	var missing *dataset.MissingColumnError
	assert.ErrorAs(t, err, &missing)

	_, err = Mark(context.Background(), tbl, Options{Column: "Q", Algorithm: "partial_ratio"})
	var unknown *UnknownAlgorithmError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, 1, tbl.Width())
}

func TestMatrix_WriteCSV(t *testing.T) {
	m := Matrix{{0, 100}, {100, 0}}
	var buf bytes.Buffer
	require.NoError(t, m.WriteCSV(&buf))
	assert.Equal(t, ",0,1\n0,0,100\n1,100,0\n", buf.String())

	dir := t.TempDir()
	require.NoError(t, m.WriteFile(filepath.Join(dir, "matrix.csv")))
	assert.Error(t, m.WriteFile(filepath.Join(dir, "matrix.txt")))
}
