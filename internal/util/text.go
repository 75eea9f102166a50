package util

import (
	"strings"
	"unicode"
)

func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// NormalizeSurfaceForm maps a raw surface form to its canonical form:
// lower case, wrapping punctuation stripped, inner whitespace collapsed.
// The function is idempotent, so canonical forms normalize to themselves.
func NormalizeSurfaceForm(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.TrimFunc(value, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return CollapseWhitespace(value)
}

// CollapseWhitespace replaces every run of whitespace with a single space
// and trims the result.
func CollapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// TruncateRunes cuts value to at most n runes without splitting a rune.
func TruncateRunes(value string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}
