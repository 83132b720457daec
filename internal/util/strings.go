package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. Token values are logged through it so that
// only a prefix ever reaches the logs.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("at_very-long-token", 8) // Returns: "at_very-"
//	SafeTruncate("short", 10)             // Returns: "short"
//	SafeTruncate("test", -1)              // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so issuer URLs compare equal with
// and without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScopes splits a space-delimited scope string, dropping empty and
// duplicate entries while keeping the original order.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScopes is the inverse of SplitScopes.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
