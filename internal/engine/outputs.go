package engine

import (
	"regexp"
	"strings"
)

// storiesMarker introduces a multi-line JSON array of stories in worker output.
const storiesMarker = "STORIES_JSON:"

// contextLineRe matches one UPPER_CASE_KEY: value line of worker output.
var contextLineRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)\s*:\s*(.*)$`)

// ParseWorkerOutput scans raw worker output line by line. UPPER_CASE_KEY: value
// lines become context entries keyed by the lowercase key (last write wins).
// A STORIES_JSON: block is extracted as raw JSON text and excluded from the
// key/value scan; its validation happens later so that a malformed block does
// not suppress the context merge from the plain lines.
func ParseWorkerOutput(output string) (map[string]string, string) {
	kv := make(map[string]string)
	var storiesJSON string

	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, storiesMarker) {
			block, consumed := extractJSONArray(lines[i:])
			storiesJSON = block
			i += consumed - 1
			continue
		}

		m := contextLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kv[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}

	return kv, storiesJSON
}

// extractJSONArray collects the JSON array following the STORIES_JSON: marker.
// The array may start on the marker line and span multiple lines; collection
// stops when the bracket depth returns to zero. Returns the raw JSON text and
// the number of lines consumed (at least 1).
func extractJSONArray(lines []string) (string, int) {
	var b strings.Builder
	depth := 0
	inString := false
	escaped := false
	started := false

	first := strings.TrimPrefix(lines[0], storiesMarker)

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if i == 0 {
			line = first
		} else {
			b.WriteString("\n")
		}
		b.WriteString(line)

		for _, r := range line {
			if inString {
				switch {
				case escaped:
					escaped = false
				case r == '\\':
					escaped = true
				case r == '"':
					inString = false
				}
				continue
			}
			switch r {
			case '"':
				inString = true
			case '[':
				depth++
				started = true
			case ']':
				depth--
			}
		}

		if started && depth <= 0 {
			return strings.TrimSpace(b.String()), i + 1
		}
	}

	// Unterminated array: hand back everything collected; validation will
	// reject it downstream.
	return strings.TrimSpace(b.String()), len(lines)
}
