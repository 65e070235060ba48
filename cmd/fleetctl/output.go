package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// printJSON writes data as indented JSON.
func printJSON(w io.Writer, data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// statusColor colors command, process and health states.
func statusColor(status string) string {
	switch strings.ToUpper(status) {
	case "SENT", "FINISHED", "SERVING", "OK", "GROW":
		return green(status)
	case "CREATED", "ENQUEUED", "WAITING", "GATED":
		return yellow(status)
	case "FAILED", "CANCELLED", "TIMED_OUT", "UNREACHABLE", "NOT_SERVING":
		return red(status)
	case "SHRINK":
		return cyan(status)
	default:
		return status
	}
}

// formatTable renders rows as an aligned table. Cells may contain color
// escape sequences; widths are computed on the visible text.
func formatTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], visibleLen(cell))
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style func(a ...any) string) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				sb.WriteString("  ")
			}
			text := cell
			if style != nil {
				text = style(cell)
			}
			sb.WriteString(text)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-visibleLen(cell)))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers, bold)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return sb.String()
}

// visibleLen counts runes outside ANSI escape sequences.
func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
