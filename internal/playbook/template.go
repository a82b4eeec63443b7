package playbook

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// resolveValue substitutes template placeholders throughout a parameter
// value: strings are interpolated, maps and lists are walked
// recursively, everything else passes through unchanged.
func resolveValue(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = resolveValue(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, ctx)
		}
		return out
	default:
		return value
	}
}

// resolveString replaces {{ path }} placeholders with values looked up
// in the alert context. Unresolvable placeholders are left verbatim.
func resolveString(template string, ctx map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := lookupPath(ctx, path); ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	var current any = ctx
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
