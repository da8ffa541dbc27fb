package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{ identifier }} with optional blanks inside the braces.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// LookupFunc resolves a placeholder identifier.
type LookupFunc func(name string) (any, bool)

// Interpolate walks value and substitutes {{name}} placeholders found in
// strings. Maps and slices are rebuilt, never mutated in place. Placeholders
// whose name does not resolve are left verbatim. A string consisting of a
// single placeholder yields the resolved value with its type intact.
func Interpolate(value any, lookup LookupFunc) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, lookup)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Interpolate(e, lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Interpolate(e, lookup)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, e := range v {
			out[k] = interpolateEmbedded(e, lookup)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = interpolateEmbedded(e, lookup)
		}
		return out
	default:
		return value
	}
}

// InterpolateParams is Interpolate specialised for step params.
func InterpolateParams(params map[string]any, lookup LookupFunc) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return Interpolate(params, lookup).(map[string]any)
}

// HasPlaceholders reports whether s contains at least one placeholder.
func HasPlaceholders(s string) bool {
	return placeholderRe.MatchString(s)
}

// Placeholders returns the identifiers referenced by s, in order of appearance.
func Placeholders(s string) []string {
	matches := placeholderRe.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func interpolateString(s string, lookup LookupFunc) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if loc := placeholderRe.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		if val, ok := lookup(s[loc[2]:loc[3]]); ok {
			return val
		}
		return s
	}
	return interpolateEmbedded(s, lookup)
}

func interpolateEmbedded(s string, lookup LookupFunc) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := lookup(name)
		if !ok {
			return match
		}
		return Stringify(val)
	})
}

// Stringify renders a value for embedding inside a larger string.
// Containers are rendered as compact JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// resolvePath walks a dotted path ("user.address.city", "items.0.id")
// through nested maps and slices.
func resolvePath(root map[string]any, path string) (any, bool) {
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
