package expr

import (
	"strconv"
	"strings"
	"unicode"
)

// keywordRewrites maps spreadsheet-style words to CEL tokens.
var keywordRewrites = map[string]string{
	"and":   "&&",
	"or":    "||",
	"not":   "!",
	"True":  "true",
	"False": "false",
	"None":  "null",
}

// Normalize rewrites pandas-style condition syntax into CEL. Outside string
// literals it maps and/or/not, True/False/None, the element-wise operators
// & | ~ and backtick-quoted column names (`Q 1` becomes row["Q 1"]).
// Integer literals become doubles because column numbers are bound as
// doubles and CEL arithmetic does not mix the two.
func Normalize(expression string) string {
	var b strings.Builder
	b.Grow(len(expression) + 8)

	runes := []rune(expression)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			end := scanString(runes, i)
			b.WriteString(string(runes[i:end]))
			i = end - 1
		case r == '`':
			end := i + 1
			for end < len(runes) && runes[end] != '`' {
				end++
			}
			b.WriteString("row[")
			b.WriteString(strconv.Quote(string(runes[i+1 : end])))
			b.WriteString("]")
			i = end
		case r == '&' || r == '|':
			b.WriteRune(r)
			b.WriteRune(r)
			if i+1 < len(runes) && runes[i+1] == r {
				i++
			}
		case r == '~':
			b.WriteRune('!')
		case isIdentStart(r):
			end := i + 1
			for end < len(runes) && isIdentPart(runes[end]) {
				end++
			}
			word := string(runes[i:end])
			if rewrite, ok := keywordRewrites[word]; ok {
				b.WriteString(rewrite)
			} else {
				b.WriteString(word)
			}
			i = end - 1
		case unicode.IsDigit(r):
			end := i + 1
			for end < len(runes) && (isIdentPart(runes[end]) || runes[end] == '.') {
				end++
			}
			literal := string(runes[i:end])
			b.WriteString(literal)
			if isDigits(literal) && (i == 0 || runes[i-1] != '.') {
				b.WriteString(".0")
			}
			i = end - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// scanString returns the index just past the string literal starting at i.
func scanString(runes []rune, i int) int {
	quote := runes[i]
	j := i + 1
	for j < len(runes) {
		switch runes[j] {
		case '\\':
			j += 2
			continue
		case quote:
			return j + 1
		}
		j++
	}
	return len(runes)
}

func isIdentStart(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && unicode.IsLetter(r))
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r < unicode.MaxASCII && unicode.IsDigit(r))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
