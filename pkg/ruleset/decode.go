package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// DecodeSpecialValues replaces sentinel tokens in a decoded parameter object.
//
// Matching is case-insensitive:
//
//	"infinity", "inf"   -> +Inf
//	"-infinity", "-inf" -> -Inf
//	"nan", "nil", "none" -> nil (missing)
//	"true", "false"     -> bool
//
// Any other value is left unchanged. Nested objects are decoded too; strings
// directly inside lists are not.
func DecodeSpecialValues(m map[string]any) map[string]any {
	for key, value := range m {
		switch v := value.(type) {
		case string:
			if decoded, ok := decodeToken(v); ok {
				m[key] = decoded
			}
		case map[string]any:
			m[key] = DecodeSpecialValues(v)
		case []any:
			for i, elem := range v {
				if obj, ok := elem.(map[string]any); ok {
					v[i] = DecodeSpecialValues(obj)
				}
			}
		}
	}
	return m
}

func decodeToken(s string) (any, bool) {
	switch strings.ToLower(s) {
	case "infinity", "inf":
		return math.Inf(1), true
	case "-infinity", "-inf":
		return math.Inf(-1), true
	case "nan", "nil", "none":
		return nil, true
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return nil, false
}

// nonFinite are the bare constants lenient JSON writers emit for non-finite
// floats. -Infinity comes first so its sign is kept.
var nonFinite = []string{"-Infinity", "Infinity", "NaN"}

// quoteNonFinite quotes bare NaN, Infinity and -Infinity outside string
// literals so the text is valid JSON and the values decode as sentinels.
func quoteNonFinite(raw string) string {
	if !strings.ContainsAny(raw, "IN") {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(raw) {
					i++
					b.WriteByte(raw[i])
				}
			case '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		token := ""
		if i == 0 || !isWordByte(raw[i-1]) {
			for _, t := range nonFinite {
				end := i + len(t)
				if strings.HasPrefix(raw[i:], t) && (end == len(raw) || !isWordByte(raw[end])) {
					token = t
					break
				}
			}
		}
		if token == "" {
			b.WriteByte(c)
			continue
		}
		b.WriteString(strconv.Quote(token))
		i += len(token) - 1
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// ParseParameterDocument parses parameter JSON text into a generic object without
// decoding sentinels. Empty text is an empty object. Bare NaN, Infinity and
// -Infinity are read as the quoted sentinels.
func ParseParameterDocument(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(quoteNonFinite(raw)), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameters must be a JSON object, got %T", doc)
	}
	return obj, nil
}

// DecodeParameters parses parameter JSON text and decodes sentinel tokens.
func DecodeParameters(raw string) (map[string]any, error) {
	obj, err := ParseParameterDocument(raw)
	if err != nil {
		return nil, err
	}
	return DecodeSpecialValues(obj), nil
}

// Fingerprint returns a short digest of the RFC 8785 canonical form of a parameter
// document, so reordered or reformatted but equal parameters share a fingerprint.
func Fingerprint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	canonical, err := jcs.Transform([]byte(quoteNonFinite(raw)))
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8]), nil
}

// text renders a record cell as trimmed text.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// enabled interprets use_flag / use_rule cells.
func enabled(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x == 1
	case int64:
		return x == 1
	case float64:
		return x == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "1.0", "true", "yes", "y":
			return true
		}
	}
	return false
}

// integer interprets a rule_num style cell.
func integer(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", x)
		}
		return integer(f)
	case nil:
		return 0, fmt.Errorf("value is empty")
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
}
