package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aspruds/divolte-collector/internal/params"
)

// valueAt evaluates a simple path expression against a parameter tree.
// Supports $ for the root, dot-notation fields and array indexes, as in
// $.field, $.field.nested, $.array[0] and $.array[0][1].field. The second
// result is false when nothing is found at path.
func valueAt(root params.Value, path string) (params.Value, bool, error) {
	if !strings.HasPrefix(path, "$") {
		return nil, false, fmt.Errorf("path must start with $: %q", path)
	}
	rest := strings.TrimPrefix(path[1:], ".")

	current := root
	for _, seg := range splitPathSegments(rest) {
		if seg == "" {
			continue
		}

		field, indexes, err := parseSegment(seg)
		if err != nil {
			return nil, false, err
		}
		if field != "" {
			obj, ok := current.(params.Object)
			if !ok {
				return nil, false, nil
			}
			if current, ok = obj.Get(field); !ok {
				return nil, false, nil
			}
		}
		for _, idx := range indexes {
			arr, ok := current.(params.Array)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false, nil
			}
			current = arr[idx]
		}
	}
	return current, true, nil
}

// parseSegment splits "field[0][1]" into the field and its indexes.
func parseSegment(seg string) (string, []int, error) {
	i := strings.Index(seg, "[")
	if i < 0 {
		return seg, nil, nil
	}
	field, rest := seg[:i], seg[i:]

	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("invalid path segment %q", seg)
		}
		end := strings.Index(rest, "]")
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated index in %q", seg)
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return "", nil, fmt.Errorf("invalid array index in %q: %w", seg, err)
		}
		indexes = append(indexes, n)
		rest = rest[end+1:]
	}
	return field, indexes, nil
}

// splitPathSegments splits a path like "field.nested[0].name" into segments.
func splitPathSegments(path string) []string {
	var segments []string
	var current strings.Builder
	depth := 0

	for _, ch := range path {
		switch ch {
		case '[':
			depth++
			current.WriteRune(ch)
		case ']':
			depth--
			current.WriteRune(ch)
		case '.':
			if depth == 0 {
				segments = append(segments, current.String())
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// canonical decodes JSON text and re-encodes it in canonical form.
func canonical(text string) (string, error) {
	v, err := params.Decode([]byte(text))
	if err != nil {
		return "", err
	}
	return params.Encode(v), nil
}
