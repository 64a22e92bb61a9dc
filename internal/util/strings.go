// Package util provides small shared helpers that don't fit into
// domain-specific packages.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Logging code uses it so secrets (codes, verifiers, tokens)
// only ever appear as a fixed-length prefix.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
