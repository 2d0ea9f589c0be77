package main

import (
	"fmt"
	"os"
)

// ANSI styles for terminal output. Everything goes to stderr so that piped
// stdout stays clean markdown or JSON.
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// paint wraps text in an ANSI style unless color is disabled via --no-color
// or the NO_COLOR convention.
func paint(style, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return style + text + ansiReset
}

func stderrLine(style, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, paint(style, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	stderrLine(ansiGreen, "✔ ", format, args...)
}

func printError(format string, args ...any) {
	stderrLine(ansiRed, "error: ", format, args...)
}

func printWarning(format string, args ...any) {
	stderrLine(ansiYellow, "warning: ", format, args...)
}

func printStep(format string, args ...any) {
	stderrLine(ansiCyan, "==> ", format, args...)
}

// printStatus renders an indented "Label: value" line with the label in bold.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
