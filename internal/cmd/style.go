package cmd

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#00D4FF")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	warningColor = lipgloss.Color("#F59E0B")
	infoColor    = lipgloss.Color("#3B82F6")
	mutedColor   = lipgloss.Color("#9CA3AF")
	dimColor     = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
	valueStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(infoColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(dimColor)
	dividerStyle = lipgloss.NewStyle().Foreground(dimColor)
	matchStyle   = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
)

const divider = "─────────────────────────────────────────"

func badge(ok bool, okText, failText string) string {
	if ok {
		return okStyle.Render(okText)
	}
	return warnStyle.Render(failText)
}
