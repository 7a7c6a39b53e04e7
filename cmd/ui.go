package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/term"
)

var termCheck = term.IsTerminal

// palette holds ANSI sequences, or empty strings when color is off.
type palette struct {
	reset, bold, cyan, gray, green, yellow, red string
}

func newPalette(w io.Writer) palette {
	if noColor || !isTerminal(w) {
		return palette{}
	}
	return palette{
		reset:  "\033[0m",
		bold:   "\033[1m",
		cyan:   "\033[36m",
		gray:   "\033[90m",
		green:  "\033[32m",
		yellow: "\033[33m",
		red:    "\033[31m",
	}
}

func (p palette) header(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s%s%s\n", p.bold, p.cyan, title, p.reset)
	fmt.Fprintf(w, "%s%s%s\n", p.gray, strings.Repeat("-", 40), p.reset)
}

func (p palette) field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s%-13s%s %v\n", p.gray, label+":", p.reset, value)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// printable renders control runes visibly for vocabulary listings.
func printable(r rune) string {
	switch r {
	case ' ':
		return "␠"
	case '\t':
		return `\t`
	}
	if r < 0x20 || r == 0x7f {
		return fmt.Sprintf("U+%04X", r)
	}
	return string(r)
}
