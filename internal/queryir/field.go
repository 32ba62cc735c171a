package queryir

import (
	"fmt"
	"strings"
)

// Field is a reference to a value inside a row: a top-level field name
// optionally followed by JSON object keys.
//
// Textual forms accepted by ParseField:
//
//	name
//	meta->>'role'
//	meta->'limits'->>'daily'
//
// Both arrows address the same key; extraction always yields the scalar
// (->>) value, which is what comparisons need.
type Field struct {
	Path []string `json:"path"`
}

// F builds a field from path segments without validation.
func F(path ...string) Field {
	return Field{Path: append([]string(nil), path...)}
}

// Name returns the top-level field name.
func (f Field) Name() string {
	if len(f.Path) == 0 {
		return ""
	}
	return f.Path[0]
}

// IsNested reports whether the field addresses a JSON subpath.
func (f Field) IsNested() bool { return len(f.Path) > 1 }

// JSONPath renders the SQLite JSON path for the field, e.g. $.meta.role.
func (f Field) JSONPath() string {
	return "$." + strings.Join(f.Path, ".")
}

// String renders the field in its canonical textual form.
func (f Field) String() string {
	if len(f.Path) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(f.Path[0])
	for i, key := range f.Path[1:] {
		if i == len(f.Path)-2 {
			b.WriteString("->>'")
		} else {
			b.WriteString("->'")
		}
		b.WriteString(key)
		b.WriteString("'")
	}
	return b.String()
}

// ParseField parses the textual form of a field reference.
func ParseField(s string) (Field, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Field{}, &ValidationError{Message: "empty field reference"}
	}

	head, rest := s, ""
	if i := strings.Index(s, "->"); i >= 0 {
		head, rest = s[:i], s[i:]
	}
	head = strings.TrimSpace(head)
	if !isIdentifier(head) {
		return Field{}, &ValidationError{Field: s, Message: fmt.Sprintf("invalid field name %q", head)}
	}

	path := []string{head}
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "->>"):
			rest = rest[3:]
		case strings.HasPrefix(rest, "->"):
			rest = rest[2:]
		default:
			return Field{}, &ValidationError{Field: s, Message: "expected -> or ->> in field path"}
		}
		rest = strings.TrimLeft(rest, " ")

		key, tail, err := parsePathKey(rest)
		if err != nil {
			return Field{}, &ValidationError{Field: s, Message: err.Error()}
		}
		path = append(path, key)
		rest = strings.TrimLeft(tail, " ")
	}
	return Field{Path: path}, nil
}

func parsePathKey(s string) (key, rest string, err error) {
	if strings.HasPrefix(s, "'") {
		end := strings.Index(s[1:], "'")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quoted key")
		}
		key, rest = s[1:end+1], s[end+2:]
	} else {
		end := strings.Index(s, "->")
		if end < 0 {
			end = len(s)
		}
		key, rest = strings.TrimSpace(s[:end]), s[end:]
	}
	if !isIdentifier(key) {
		return "", "", fmt.Errorf("invalid path key %q", key)
	}
	return key, rest, nil
}

// isIdentifier reports whether s matches [A-Za-z_][A-Za-z0-9_]*.
// Restricting names this way keeps field paths safe to embed in SQL JSON paths.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
