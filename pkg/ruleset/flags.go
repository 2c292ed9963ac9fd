package ruleset

import "fmt"

// FlagColumns are the columns a flags sheet must declare.
var FlagColumns = []string{"flag_name", "method_name", "flag_group", "use_flag", "parameters"}

// Catalog resolves detection methods while a flags sheet is loaded.
type Catalog interface {
	Known(method string) bool
	ValidateParameters(method string, document map[string]any) error
}

// FlagDefinition is one active row of the flags sheet.
type FlagDefinition struct {
	Name          string
	Method        string
	Group         string
	RawParameters string
	Parameters    map[string]any
	Fingerprint   string
	// Position is the record index in the source sheet.
	Position int
}

// LoadFlags validates a flags sheet and returns its active definitions in source order.
func LoadFlags(sheet *Sheet, catalog Catalog) ([]FlagDefinition, error) {
	if err := requireColumns(sheet, FlagColumns...); err != nil {
		return nil, err
	}

	var defs []FlagDefinition
	seen := make(map[string]int)
	for i, rec := range sheet.Records {
		if !enabled(rec["use_flag"]) {
			continue
		}

		name := text(rec["flag_name"])
		if name == "" {
			return nil, &SchemaError{Sheet: sheet.Name, Reason: fmt.Sprintf("record %d: empty flag_name", i)}
		}
		if prev, dup := seen[name]; dup {
			return nil, &SchemaError{
				Sheet:  sheet.Name,
				Reason: fmt.Sprintf("record %d: flag_name %q already defined by record %d", i, name, prev),
			}
		}
		seen[name] = i

		method := text(rec["method_name"])
		if catalog != nil && !catalog.Known(method) {
			return nil, &SchemaError{
				Sheet:  sheet.Name,
				Reason: fmt.Sprintf("record %d (%s): unknown method_name %q", i, name, method),
			}
		}

		raw, err := rawParameters(rec["parameters"])
		if err != nil {
			return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: name, Field: "parameters", Err: err}
		}
		doc, err := ParseParameterDocument(raw)
		if err != nil {
			return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: name, Field: "parameters", Err: err}
		}
		if catalog != nil {
			if err := catalog.ValidateParameters(method, doc); err != nil {
				return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: name, Field: "parameters", Err: err}
			}
		}
		params, err := DecodeParameters(raw)
		if err != nil {
			return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: name, Field: "parameters", Err: err}
		}
		fp, err := Fingerprint(raw)
		if err != nil {
			return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Name: name, Field: "parameters", Err: err}
		}

		defs = append(defs, FlagDefinition{
			Name:          name,
			Method:        method,
			Group:         text(rec["flag_group"]),
			RawParameters: raw,
			Parameters:    params,
			Fingerprint:   fp,
			Position:      i,
		})
	}
	return defs, nil
}

func rawParameters(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "{}", nil
	case string:
		return x, nil
	}
	return "", fmt.Errorf("parameters must be JSON text, got %T", v)
}

// FlagNames returns definition names in order.
func FlagNames(defs []FlagDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// GroupNames returns the distinct non-empty groups in order of first declaration.
func GroupNames(defs []FlagDefinition) []string {
	var groups []string
	seen := make(map[string]bool)
	for _, d := range defs {
		if d.Group == "" || seen[d.Group] {
			continue
		}
		seen[d.Group] = true
		groups = append(groups, d.Group)
	}
	return groups
}
