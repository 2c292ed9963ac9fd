package ruleset

import (
	"fmt"
	"strings"
)

// SchemaError reports a ruleset sheet that cannot be used as declared:
// required columns are absent, a record is structurally invalid, or a
// referenced detection method does not exist.
type SchemaError struct {
	Sheet   string
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("sheet %q: missing required columns: %s", e.Sheet, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("sheet %q: %s", e.Sheet, e.Reason)
}

// ConfigDecodeError reports a record whose field could not be decoded, such as
// malformed parameter JSON or a non-integer rule number.
type ConfigDecodeError struct {
	Sheet  string
	Record int
	Name   string
	Field  string
	Err    error
}

func (e *ConfigDecodeError) Error() string {
	name := ""
	if e.Name != "" {
		name = fmt.Sprintf(" (%s)", e.Name)
	}
	return fmt.Sprintf("sheet %q record %d%s: %s: %v", e.Sheet, e.Record, name, e.Field, e.Err)
}

func (e *ConfigDecodeError) Unwrap() error { return e.Err }
