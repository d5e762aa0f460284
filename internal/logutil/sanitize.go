package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from
// tenant-supplied strings before they reach the log, preventing injected
// fake log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if r < 32 {
			return -1
		}
		return r
	}, s)
}
