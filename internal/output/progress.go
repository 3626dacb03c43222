package output

import (
	"fmt"
	"strings"
)

// ProgressBar renders current/total as a fixed-width bar with a percentage.
// It has no styling so it reads the same in a terminal and in a log file.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	return fmt.Sprintf("[%s%s] %.1f%%", strings.Repeat("=", filled), strings.Repeat(" ", width-filled), percent*100)
}
