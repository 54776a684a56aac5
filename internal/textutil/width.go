package textutil

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Truncate shortens s to fit within maxWidth terminal cells. Newlines and
// tabs are flattened first so multi-line message text stays on one row.
func Truncate(s string, maxWidth int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// PadRight truncates s to width cells and pads it with spaces to exactly
// width cells.
func PadRight(s string, width int) string {
	s = Truncate(s, width)
	if sw := runewidth.StringWidth(s); sw < width {
		return s + strings.Repeat(" ", width-sw)
	}
	return s
}
