package util

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	phonePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// IsValidPhone reports whether s is an 11-digit mainland mobile number.
func IsValidPhone(s string) bool {
	return phonePattern.MatchString(s)
}

// IsValidCode reports whether s is a 6-digit verification code.
func IsValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// MaskPhone keeps the first three and last four digits.
func MaskPhone(phone string) string {
	if len(phone) < 8 {
		return "****"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-4:]
}

// SanitizeDisplayName trims s, escapes markup and reports whether the
// result is between 1 and max characters.
func SanitizeDisplayName(s string, max int) (string, bool) {
	s = html.EscapeString(strings.TrimSpace(s))
	n := utf8.RuneCountInString(s)
	return s, n > 0 && n <= max
}
