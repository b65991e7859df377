package output

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // dark green
	success2Style = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))             // green
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // red
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // blue
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // cyan
	debugStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // light grey
	streamStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // grey (task log lines)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // purple
)

// StyleSymbols are the glyphs used by task blocks and progress bars.
var StyleSymbols = map[string]string{
	"pass":    "✓",
	"fail":    "✗",
	"warning": "!",
	"pending": "◉",
	"bullet":  "•",
	"hline":   "━",
}

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(StyleSymbols["pass"] + " " + text))
}

// PrintError goes to stderr so a failed command never pollutes piped output.
func PrintError(text string) {
	fmt.Fprintln(os.Stderr, errorStyle.Render(StyleSymbols["fail"]+" "+text))
}

func PrintWarning(text string) {
	fmt.Fprintln(os.Stderr, warningStyle.Render(StyleSymbols["warning"]+" "+text))
}

func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

// FSuccess and FDebug style a fragment for callers composing their own lines,
// such as history listings.
func FSuccess(text string) string {
	return successStyle.Render(text)
}

func FDebug(text string) string {
	return debugStyle.Render(text)
}
