// internal/rules/substitute.go
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// VariableContext holds the values captured by matched conditions during one
// rule's evaluation. A fresh context is created per rule per tick; rules
// never see each other's captures.
type VariableContext map[string]schemas.CapturedValue

// placeholderRegex matches {var} and {var.path.segments} tokens. Path
// segments index into maps and slices of the captured value.
var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_]\w*)((?:\.\w+)*)\}`)

// SubstituteParams resolves every placeholder in a parameter map, walking
// nested maps and slices. Any unresolvable placeholder fails the whole
// substitution; the caller must not dispatch a partially resolved action.
func SubstituteParams(params map[string]any, vars VariableContext) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := substituteValue(v, vars)
		if err != nil {
			return nil, schemas.E(schemas.ErrCodeSubstitution, "parameter %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func substituteValue(v any, vars VariableContext) (any, error) {
	switch t := v.(type) {
	case string:
		return SubstituteString(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			resolved, err := substituteValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			resolved, err := substituteValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// SubstituteString resolves placeholders in one string. When the whole
// string is a single placeholder the underlying value is returned with its
// type preserved; otherwise values are rendered into the text.
func SubstituteString(s string, vars VariableContext) (any, error) {
	matches := placeholderRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		path := s[matches[0][4]:matches[0][5]]
		return resolvePlaceholder(name, path, vars)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, err := resolvePlaceholder(s[m[2]:m[3]], s[m[4]:m[5]], vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(renderValue(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// LenientSubstituteString is SubstituteString for condition parameters,
// where an unresolved placeholder is left in place instead of failing. Used
// for prompts that may reference captures from earlier conditions.
func LenientSubstituteString(s string, vars VariableContext) string {
	return placeholderRegex.ReplaceAllStringFunc(s, func(token string) string {
		sub := placeholderRegex.FindStringSubmatch(token)
		value, err := resolvePlaceholder(sub[1], sub[2], vars)
		if err != nil {
			return token
		}
		return renderValue(value)
	})
}

func resolvePlaceholder(name, dotPath string, vars VariableContext) (any, error) {
	cv, ok := vars[name]
	if !ok {
		return nil, fmt.Errorf("variable %q is not in the context", name)
	}

	if dotPath == "" {
		return cv.Value, nil
	}
	segments := strings.Split(strings.TrimPrefix(dotPath, "."), ".")

	// The synthetic source_region segment exposes where the value came from.
	if segments[0] == "source_region" && len(segments) == 1 {
		return cv.SourceRegion, nil
	}

	current := cv.Value
	for _, seg := range segments {
		next, err := walkSegment(current, seg)
		if err != nil {
			return nil, fmt.Errorf("variable %q path %q: %w", name, dotPath, err)
		}
		current = next
	}
	return current, nil
}

func walkSegment(current any, seg string) (any, error) {
	switch t := current.(type) {
	case map[string]any:
		v, ok := t[seg]
		if !ok {
			return nil, fmt.Errorf("key %q not found", seg)
		}
		return v, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %q is not an index", seg)
		}
		if idx < 0 || idx >= len(t) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(t))
		}
		return t[idx], nil
	case []int:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %q is not an index", seg)
		}
		if idx < 0 || idx >= len(t) {
			return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(t))
		}
		return t[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into %T with segment %q", current, seg)
	}
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
