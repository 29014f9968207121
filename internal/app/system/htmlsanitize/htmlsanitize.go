// Package htmlsanitize strips markup from free-text values accepted from
// clients (telemetry labels, consent email) before they are stored.
package htmlsanitize

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce sync.Once
	strict     *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	strictOnce.Do(func() {
		strict = bluemonday.StrictPolicy()
	})
	return strict
}

// Strict removes every tag and attribute from s and trims surrounding space.
// Text content is kept; characters significant to HTML are escaped.
func Strict(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(policy().Sanitize(s))
}

// Label sanitizes s with Strict and truncates the result to at most max runes.
// A non-positive max disables truncation.
func Label(s string, max int) string {
	s = Strict(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}

// IsPlainText reports whether s looks free of HTML tags.
func IsPlainText(s string) bool {
	return !(strings.Contains(s, "<") && strings.Contains(s, ">"))
}
