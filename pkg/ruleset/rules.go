package ruleset

import (
	"fmt"
	"sort"
)

// RuleColumns are the columns a classification sheet must declare.
var RuleColumns = []string{"rule_num", "condition_expr", "classification", "use_rule"}

// ClassificationRule is one active row of a classification sheet.
type ClassificationRule struct {
	Num            int
	Condition      string
	Classification string
}

// LoadRules validates a classification sheet and returns its active rules by ascending rule_num.
func LoadRules(sheet *Sheet) ([]ClassificationRule, error) {
	if err := requireColumns(sheet, RuleColumns...); err != nil {
		return nil, err
	}

	var rules []ClassificationRule
	seen := make(map[int]int)
	for i, rec := range sheet.Records {
		if !enabled(rec["use_rule"]) {
			continue
		}
		num, err := integer(rec["rule_num"])
		if err != nil {
			return nil, &ConfigDecodeError{Sheet: sheet.Name, Record: i, Field: "rule_num", Err: err}
		}
		if prev, dup := seen[num]; dup {
			return nil, &SchemaError{
				Sheet:  sheet.Name,
				Reason: fmt.Sprintf("record %d: rule_num %d already used by record %d", i, num, prev),
			}
		}
		seen[num] = i

		cond := text(rec["condition_expr"])
		if cond == "" {
			return nil, &SchemaError{Sheet: sheet.Name, Reason: fmt.Sprintf("record %d: empty condition_expr for rule %d", i, num)}
		}
		label := text(rec["classification"])
		if label == "" {
			return nil, &SchemaError{Sheet: sheet.Name, Reason: fmt.Sprintf("record %d: empty classification for rule %d", i, num)}
		}
		rules = append(rules, ClassificationRule{Num: num, Condition: cond, Classification: label})
	}

	sort.SliceStable(rules, func(a, b int) bool { return rules[a].Num < rules[b].Num })
	return rules, nil
}
