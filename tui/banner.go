package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerForegroundColor = lipgloss.AdaptiveColor{Light: "#1f4e79", Dark: "#8ecae6"}
	bannerBorderColor     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	bannerTitleColor      = lipgloss.AdaptiveColor{Light: "#00AAAA", Dark: "#00FFFF"}
	bannerMaxWidth        = 72
	bannerStyle           = lipgloss.NewStyle().
				Padding(1).
				AlignVertical(lipgloss.Top).
				AlignHorizontal(lipgloss.Left).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(bannerBorderColor)
	bannerBodyStyle  = lipgloss.NewStyle().Width(bannerMaxWidth).Foreground(bannerForegroundColor)
	bannerTitleStyle = lipgloss.NewStyle().AlignHorizontal(lipgloss.Center).Bold(true).Foreground(bannerTitleColor)
)

// Banner renders title and body inside a bordered box.
func Banner(title, body string) string {
	block := bannerTitleStyle.Render(title) + "\n\n" + bannerBodyStyle.Render(body)
	return bannerStyle.Render(block)
}

// ShowBanner prints the boxed banner on a terminal and plain lines otherwise, so
// piped output stays greppable.
func ShowBanner(title, body string) {
	if !HasTTY {
		fmt.Fprintln(Out, title)
		for _, line := range strings.Split(body, "\n") {
			fmt.Fprintln(Out, strings.TrimRight(line, " "))
		}
		return
	}
	fmt.Fprintln(Out, Banner(title, body))
}

// Details lays out label/value pairs as aligned rows for a banner body.
func Details(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, Muted(PadRight(p[0], width, " "))+"  "+p[1])
	}
	return strings.Join(lines, "\n")
}
