package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kalambet/feedbackd/internal/feedback"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// sentimentColor picks a color for a sentiment label.
func sentimentColor(s feedback.Sentiment) string {
	switch s {
	case feedback.Positive:
		return colorGreen
	case feedback.Negative:
		return colorRed
	case feedback.Pending:
		return colorYellow
	default:
		return colorReset
	}
}

const summaryWidth = 60

// printRecords writes records as an aligned table.
func printRecords(w io.Writer, records []feedback.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tSENTIMENT\tCATEGORY\tRATING\tSUMMARY")
	for _, r := range records {
		text := r.AISummary
		if text == "" {
			text = r.Content
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.Date.Format("2006-01-02 15:04"),
			colorize(sentimentColor(r.Sentiment), string(r.Sentiment)),
			r.Category,
			r.Rating,
			truncate(oneLine(text), summaryWidth),
		)
	}
	tw.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// progressLine renders "stage [#####.....] done/total".
func progressLine(stage string, done, total int) string {
	const width = 20
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	return fmt.Sprintf("%-8s [%s%s] %d/%d", stage, strings.Repeat("#", filled), strings.Repeat(".", width-filled), done, total)
}
