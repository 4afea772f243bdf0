package printer

import "fmt"

// FormatTokens returns a human-readable token count string.
// Examples: "0", "512", "1.5k", "700.0k", "10.0M".
func FormatTokens(tokens int) string {
	if tokens < 0 {
		return "0"
	}

	const (
		k = 1000
		m = 1000 * k
	)

	switch {
	case tokens >= m:
		return fmt.Sprintf("%.1fM", float64(tokens)/float64(m))
	case tokens >= k:
		return fmt.Sprintf("%.1fk", float64(tokens)/float64(k))
	default:
		return fmt.Sprintf("%d", tokens)
	}
}

// FormatProgress returns a percentage string from a 0..1 progress fraction.
// Examples: "0%", "33%", "100%".
func FormatProgress(progress float64) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return fmt.Sprintf("%d%%", int(progress*100))
}
