package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxStringLength is the maximum length for string values inside
	// payloads (1MB).
	MaxStringLength = 1048576

	// MaxLogValueLength is the maximum length of a client-supplied value
	// once it is echoed into logs, events or error messages.
	MaxLogValueLength = 256
)

// Sanitizer cleans client-supplied values before they are logged or echoed.
type Sanitizer struct {
	maxLen int
}

// NewSanitizer creates a Sanitizer that truncates to MaxLogValueLength.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{maxLen: MaxLogValueLength}
}

// NewSanitizerWithLimit creates a Sanitizer with a custom length limit.
// A non-positive limit falls back to MaxStringLength.
func NewSanitizerWithLimit(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = MaxStringLength
	}
	return &Sanitizer{maxLen: maxLen}
}

// SanitizeString removes control characters (including CR, LF and NUL),
// replaces invalid UTF-8, and truncates the result to the sanitizer's limit.
// This prevents log forging and header injection when the value is echoed.
func (s *Sanitizer) SanitizeString(str string) string {
	if !utf8.ValidString(str) {
		str = strings.ToValidUTF8(str, "�")
	}

	str = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, str)

	if len(str) > s.maxLen {
		str = truncateUTF8(str, s.maxLen)
	}
	return str
}

// SanitizeValue applies SanitizeString to every string inside v, recursing
// into maps and slices. Non-string scalars are returned unchanged.
func (s *Sanitizer) SanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.SanitizeString(val)

	case []string:
		result := make([]string, len(val))
		for i, item := range val {
			result[i] = s.SanitizeString(item)
		}
		return result

	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[s.SanitizeString(k)] = s.SanitizeValue(item)
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = s.SanitizeValue(item)
		}
		return result

	default:
		return v
	}
}

// truncateUTF8 cuts str to at most n bytes without splitting a rune.
func truncateUTF8(str string, n int) string {
	if len(str) <= n {
		return str
	}
	for n > 0 && !utf8.RuneStart(str[n]) {
		n--
	}
	return str[:n]
}
