package detect

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/surveyscreen/pkg/dataset"
)

// IPNetworkColumn is written by MultipleIPAttempts.
const IPNetworkColumn = "IPNetwork"

// Attempt types accepted by MultipleIPAttempts.
const (
	AttemptSuccessful   = "successful"
	AttemptUnsuccessful = "unsuccessful"
	AttemptIncomplete   = "incomplete"
	AttemptFailed       = "failed"
	AttemptAll          = "all"
)

var attemptTypes = []string{AttemptSuccessful, AttemptUnsuccessful, AttemptIncomplete, AttemptFailed, AttemptAll}

// MultipleIPAttempts groups rows by network prefix (the first three dotted
// parts of the IP) and flags every row of a group whose attempt count lies
// in [num_attempts_lower, num_attempts_upper]. Rows without an IP are
// neither grouped nor flagged. Runs in O(n).
type MultipleIPAttempts struct{}

func (MultipleIPAttempts) Name() string { return "MultipleIPAttempts" }

func (m MultipleIPAttempts) Schema() string { return schemaFor(m.Name()) }

// AttemptCountColumn names the per-network count column for an attempt type.
func AttemptCountColumn(attemptType string) string {
	return "num_attempts_" + attemptType
}

// NetworkPrefix returns the first three '.'-separated parts of an address.
func NetworkPrefix(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ".")
}

func (m MultipleIPAttempts) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	attemptType, err := p.StringOr("attempt_type", AttemptSuccessful)
	if err != nil {
		return err
	}
	if err := checkOption(m.Name(), "attempt_type", attemptType, attemptTypes); err != nil {
		return err
	}
	ipCol, err := p.String("column_ip")
	if err != nil {
		return err
	}
	lower, err := p.Float("num_attempts_lower")
	if err != nil {
		return err
	}
	upper, err := p.FloatOr("num_attempts_upper", math.Inf(1))
	if err != nil {
		return err
	}

	var success, terminate []any
	if attemptType != AttemptAll {
		successCol, err := p.String("column_success")
		if err != nil {
			return err
		}
		if success, err = t.MustColumn(successCol); err != nil {
			return err
		}
	}
	if attemptType == AttemptIncomplete || attemptType == AttemptFailed {
		terminateCol, err := p.String("column_terminate")
		if err != nil {
			return &ParameterError{Method: m.Name(), Parameter: "column_terminate", Reason: "is required for attempt_type " + attemptType}
		}
		if terminate, err = t.MustColumn(terminateCol); err != nil {
			return err
		}
	}
	ips, err := t.MustColumn(ipCol)
	if err != nil {
		return err
	}

	counts := func(i int) bool {
		switch attemptType {
		case AttemptSuccessful:
			return !dataset.IsMissing(success[i])
		case AttemptUnsuccessful:
			return dataset.IsMissing(success[i])
		case AttemptIncomplete:
			return dataset.IsMissing(success[i]) && dataset.IsMissing(terminate[i])
		case AttemptFailed:
			return dataset.IsMissing(success[i]) && !dataset.IsMissing(terminate[i])
		}
		return true
	}

	// Pass 1: network index and per-network counts.
	networks := make([]any, len(ips))
	perNetwork := make(map[string]int64)
	for i, v := range ips {
		ip, ok := dataset.AsString(v)
		if !ok || strings.TrimSpace(ip) == "" {
			continue
		}
		network := NetworkPrefix(ip)
		networks[i] = network
		if _, seen := perNetwork[network]; !seen {
			perNetwork[network] = 0
		}
		if counts(i) {
			perNetwork[network]++
		}
	}

	// Pass 2: per-row aggregate from the index.
	attempts := make([]any, len(ips))
	out := make([]bool, len(ips))
	for i, network := range networks {
		if network == nil {
			continue
		}
		n := perNetwork[network.(string)]
		attempts[i] = n
		out[i] = float64(n) >= lower && float64(n) <= upper
	}

	if err := t.SetColumn(IPNetworkColumn, networks); err != nil {
		return err
	}
	if err := t.SetColumn(AttemptCountColumn(attemptType), attempts); err != nil {
		return err
	}
	return t.SetBools(flag, out)
}

// BurstResponses counts, for each row, the other rows whose start time and
// duration are both within the configured differences (in seconds). When both
// unflag differences are non-zero, the count under those differences is
// subtracted. The net count is stored in F<flag>_count, floored at zero, and
// rows with a positive count are flagged. Rows without a valid start time or
// duration get no count and are not flagged.
//
// Rows are sorted by start time once and each window is found by binary
// search: O(n log n + k) for k candidate pairs, O(n^2) when every row falls in
// one window.
type BurstResponses struct{}

func (BurstResponses) Name() string { return "BurstResponses" }

func (m BurstResponses) Schema() string { return schemaFor(m.Name()) }

// BurstCountColumn names the helper count column of a burst flag.
func BurstCountColumn(flag string) string { return "F" + flag + "_count" }

type burstEntry struct {
	row      int
	start    float64
	duration float64
}

func (m BurstResponses) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	startCol, err := p.String("column_start_time")
	if err != nil {
		return err
	}
	durationCol, err := p.String("column_duration")
	if err != nil {
		return err
	}
	maxStart, err := p.Float("max_start_time_difference")
	if err != nil {
		return err
	}
	maxDuration, err := p.Float("max_duration_difference")
	if err != nil {
		return err
	}
	unflagStart, err := p.FloatOr("unflag_start_time_difference", 0)
	if err != nil {
		return err
	}
	unflagDuration, err := p.FloatOr("unflag_duration_difference", 0)
	if err != nil {
		return err
	}
	starts, err := t.MustColumn(startCol)
	if err != nil {
		return err
	}
	durations, err := t.MustColumn(durationCol)
	if err != nil {
		return err
	}

	entries := make([]burstEntry, 0, len(starts))
	for i := range starts {
		start, ok := startSeconds(starts[i])
		if !ok {
			continue
		}
		d, ok := dataset.AsFloat(durations[i])
		if !ok {
			continue
		}
		entries = append(entries, burstEntry{row: i, start: start, duration: d})
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].start < entries[b].start })

	neighbours := func(idx int, dStart, dDuration float64) int64 {
		e := entries[idx]
		lo := sort.Search(len(entries), func(k int) bool { return entries[k].start >= e.start-dStart })
		var n int64
		for k := lo; k < len(entries) && entries[k].start <= e.start+dStart; k++ {
			if k != idx && math.Abs(entries[k].duration-e.duration) <= dDuration {
				n++
			}
		}
		return n
	}

	subtract := unflagStart != 0 && unflagDuration != 0
	counts := make([]any, len(starts))
	out := make([]bool, len(starts))
	for idx, e := range entries {
		net := neighbours(idx, maxStart, maxDuration)
		if subtract {
			net -= neighbours(idx, unflagStart, unflagDuration)
		}
		if net < 0 {
			net = 0
		}
		counts[e.row] = net
		out[e.row] = net > 0
	}

	if err := t.SetColumn(BurstCountColumn(flag), counts); err != nil {
		return err
	}
	return t.SetBools(flag, out)
}

var epoch = time.Unix(0, 0).UTC()

// startSeconds reads a start time as seconds since the Unix epoch. Numeric
// cells are taken as epoch seconds.
func startSeconds(v any) (float64, bool) {
	if ts, ok := dataset.AsTime(v); ok {
		return ts.Sub(epoch).Seconds(), true
	}
	if _, isString := v.(string); isString {
		return 0, false
	}
	return dataset.AsFloat(v)
}

// Search strategies accepted by DuplicatedText.
const (
	StrategyColumn = "column"
	StrategyAll    = "all"
)

var searchStrategies = []string{StrategyColumn, StrategyAll}

// DuplicatedText flags rows holding a text answer, within the length range,
// that also appears elsewhere. Text is compared after NFC normalization,
// trimming and lowercasing; length counts characters.
//
// The "column" strategy looks for repeats within each column and ORs the
// per-column results. With create_column_flag and more than one column it
// also writes <flag>_<column>. The "all" strategy pools every cell of every
// listed column.
type DuplicatedText struct{}

func (DuplicatedText) Name() string { return "DuplicatedText" }

func (m DuplicatedText) Schema() string { return schemaFor(m.Name()) }

// ColumnFlagName names the per-column flag of DuplicatedText.
func ColumnFlagName(flag, column string) string { return flag + "_" + column }

func (m DuplicatedText) Apply(_ context.Context, t *dataset.Table, flag string, p Params) error {
	strategy, err := p.StringOr("search_strategy", StrategyColumn)
	if err != nil {
		return err
	}
	if err := checkOption(m.Name(), "search_strategy", strategy, searchStrategies); err != nil {
		return err
	}
	columns, err := p.Strings("list_of_columns")
	if err != nil {
		return err
	}
	minLength, err := p.Float("min_length")
	if err != nil {
		return err
	}
	maxLength, err := p.Float("max_length")
	if err != nil {
		return err
	}
	perColumn, err := p.BoolOr("create_column_flag", false)
	if err != nil {
		return err
	}
	if err := requireColumns(t, columns...); err != nil {
		return err
	}

	lower := cases.Lower(language.Und)
	normalized := func(v any) (string, bool) {
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		s = lower.String(strings.TrimSpace(norm.NFC.String(s)))
		n := float64(utf8.RuneCountInString(s))
		return s, n >= minLength && n <= maxLength
	}

	out := make([]bool, t.Len())
	switch strategy {
	case StrategyColumn:
		var columnFlags [][]bool
		for _, col := range columns {
			values, _ := t.Column(col)
			seen := make(map[string]int)
			keys := make([]string, len(values))
			valid := make([]bool, len(values))
			for i, v := range values {
				keys[i], valid[i] = normalized(v)
				if _, isString := v.(string); isString {
					seen[keys[i]]++
				}
			}
			mask := make([]bool, len(values))
			for i := range values {
				mask[i] = valid[i] && seen[keys[i]] > 1
				out[i] = out[i] || mask[i]
			}
			columnFlags = append(columnFlags, mask)
		}
		if err := t.SetBools(flag, out); err != nil {
			return err
		}
		if perColumn && len(columns) > 1 {
			for k, col := range columns {
				if err := t.SetBools(ColumnFlagName(flag, col), columnFlags[k]); err != nil {
					return err
				}
			}
		}
		return nil

	default: // StrategyAll
		pool := make(map[string]int)
		type cell struct {
			key   string
			valid bool
		}
		cells := make([][]cell, len(columns))
		for k, col := range columns {
			values, _ := t.Column(col)
			cells[k] = make([]cell, len(values))
			for i, v := range values {
				key, valid := normalized(v)
				cells[k][i] = cell{key: key, valid: valid}
				if _, isString := v.(string); isString {
					pool[key]++
				}
			}
		}
		for k := range cells {
			for i, c := range cells[k] {
				if c.valid && pool[c.key] > 1 {
					out[i] = true
				}
			}
		}
		return t.SetBools(flag, out)
	}
}
