package scenario

import (
	"fmt"
	"strings"
)

// ExpandTemplates replaces {{name}} placeholders in s with values from vars.
// The runner provides page_view_id and global_name.
func ExpandTemplates(s string, vars map[string]string) (string, error) {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return "", fmt.Errorf("unterminated template expression at position %d", len(s)-len(rest)+start)
		}
		end += start

		name := strings.TrimSpace(rest[start+2 : end])
		value, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("unknown template variable %q", name)
		}
		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[end+2:]
	}
}
