// Package colors provides terminal color output for weft commands.
//
// Colors are applied only when the terminal supports them; NO_COLOR and
// FORCE_COLOR override the detection in either direction.
package colors

import (
	"os"
	"strings"
)

const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"

	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	cyan    = "\033[36m"
	gray    = "\033[90m"
	brightG = "\033[92m"
	brightR = "\033[91m"
)

var colorEnabled = shouldUseColor()

func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := strings.ToLower(os.Getenv("TERM"))
	if term == "" || term == "dumb" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// SetColorEnabled allows manual control of color output.
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

func colorize(code, text string) string {
	if !colorEnabled || text == "" {
		return text
	}
	return code + text + reset
}

func Bold(text string) string   { return colorize(bold, text) }
func Dim(text string) string    { return colorize(dim, text) }
func Red(text string) string    { return colorize(red, text) }
func Green(text string) string  { return colorize(green, text) }
func Yellow(text string) string { return colorize(yellow, text) }
func Blue(text string) string   { return colorize(blue, text) }
func Cyan(text string) string   { return colorize(cyan, text) }
func Gray(text string) string   { return colorize(gray, text) }

// SuccessText renders a positive status line.
func SuccessText(text string) string { return colorize(brightG, text) }

// ErrorText renders a failure status line.
func ErrorText(text string) string { return colorize(brightR, text) }

// SectionHeader renders a bold section heading.
func SectionHeader(text string) string { return colorize(bold, text) }

// Added, Modified and Deleted label file changes in diff and log output.
func Added(text string) string    { return colorize(green, text) }
func Modified(text string) string { return colorize(yellow, text) }
func Deleted(text string) string  { return colorize(red, text) }
