package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

func progressBar(percent, width int) string {
	if width <= 0 {
		width = 30
	}
	percent = max(0, min(percent, 100))
	filled := percent * width / 100
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	bar += strings.Repeat(" ", width-filled)
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %3d%% %s ", bar, percent, StyleSymbols["bullet"]))
}

func terminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

func wrapText(text string, indent int) []string {
	termWidth, _ := terminalSize()
	maxWidth := termWidth - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	width := 0
	for _, r := range text {
		if width+1 > maxWidth {
			lines = append(lines, current.String())
			current.Reset()
			width = 0
		}
		current.WriteRune(r)
		width++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
