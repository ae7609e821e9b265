// Package strutil provides small string helpers shared across packages.
package strutil

// Truncate truncates a string to a maximum length in runes.
// Rune-level truncation keeps multi-byte characters intact.
// Returns empty string if maxLen <= 0 to prevent slice bounds panic.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
