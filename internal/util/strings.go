package util

// Truncate shortens s to at most n bytes, marking the cut with "...".
// Used to keep upstream error bodies out of logs at full length.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
