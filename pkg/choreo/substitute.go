package choreo

import (
	"strings"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// substituteMap resolves ${name} placeholders throughout an input mapping.
// Only string values exactly matching ${name} are substituted; the name
// resolves from execution variables first, then from the flattened step
// outputs. Unresolvable placeholders fall through as literals. Nested maps
// and slices are walked recursively.
func substituteMap(input map[string]any, ctx *contracts.ExecutionContext) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = substituteValue(v, ctx)
	}
	return out
}

func substituteValue(v any, ctx *contracts.ExecutionContext) any {
	switch val := v.(type) {
	case string:
		if name, ok := placeholder(val); ok {
			if resolved, found := lookupVariable(ctx, name); found {
				return resolved
			}
		}
		return val
	case map[string]any:
		return substituteMap(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// placeholder extracts name from a string that is exactly "${name}".
func placeholder(s string) (string, bool) {
	if len(s) > 3 && strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		inner := s[2 : len(s)-1]
		if inner != "" && !strings.Contains(inner, "${") {
			return inner, true
		}
	}
	return "", false
}
