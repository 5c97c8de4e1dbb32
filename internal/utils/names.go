package utils

import (
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeName turns an identifier into something safe to use as a single
// path segment. Empty results become "unnamed".
func SanitizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeChars.ReplaceAllString(s, "")
	s = strings.Trim(s, ".")
	if s == "" {
		s = "unnamed"
	}
	return s
}
