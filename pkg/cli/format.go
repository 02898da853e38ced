package cli

import "fmt"

// FormatDuration formats milliseconds to a human readable string.
func FormatDuration(ms int) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := float64(ms) / 1000
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	secs = secs - float64(mins*60)
	return fmt.Sprintf("%dm%.1fs", mins, secs)
}

// FormatSeconds formats a seconds count the way uptime is shown in the
// status table.
func FormatSeconds(s float64) string {
	return FormatDuration(int(s * 1000))
}
