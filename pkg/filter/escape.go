package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Escape replaces the characters which are special in filter values with
// their \XX hex escapes.
func Escape(s string) string {
	if !strings.ContainsAny(s, "*()\\\x00") {
		return s
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '(', ')', '\\', 0:
			fmt.Fprintf(&sb, "\\%02x", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}

		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at offset %d", i)
		}

		b, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape at offset %d: %w", i, err)
		}

		sb.WriteByte(byte(b))
		i += 2
	}

	return sb.String(), nil
}
