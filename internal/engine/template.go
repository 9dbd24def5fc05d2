package engine

import "strings"

// ResolveTemplate substitutes {{key}} placeholders in a step's input template
// using the run's context map. Keys are matched case-insensitively against the
// lowercase context keys. Unresolved keys render as a literal "[missing: key]"
// marker; resolution never fails.
func ResolveTemplate(tpl string, runCtx map[string]string) string {
	var result strings.Builder
	result.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "{{")
		if idx == -1 {
			result.WriteString(tpl[i:])
			break
		}

		result.WriteString(tpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tpl[start:], "}}")
		if end == -1 {
			// Unclosed placeholder: emit the rest verbatim.
			result.WriteString(tpl[i+idx:])
			break
		}
		end += start

		key := strings.TrimSpace(tpl[start:end])
		if val, ok := runCtx[strings.ToLower(key)]; ok {
			result.WriteString(val)
		} else {
			result.WriteString("[missing: " + key + "]")
		}

		i = end + 2
	}

	return result.String()
}
