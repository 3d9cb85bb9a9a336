// Package ui provides terminal rendering helpers for CLI output.
//
// Styles degrade to plain text when stdout is not a terminal or the
// terminal reports no color support, so command output stays clean
// when piped or captured.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var (
	colorOnce    sync.Once
	colorEnabled bool
)

// Colorized reports whether stdout is a color-capable terminal. The
// result is computed once; NO_COLOR and dumb terminals disable styling
// through termenv's profile detection.
func Colorized() bool {
	colorOnce.Do(func() {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return
		}
		colorEnabled = termenv.ColorProfile() != termenv.Ascii
	})
	return colorEnabled
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// RenderAccent styles headline markers and section titles.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles failure markers.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted styles secondary detail lines.
func RenderMuted(s string) string { return render(mutedStyle, s) }
