package cmd

import "github.com/charmbracelet/lipgloss"

// CLI output styles. Colors meet WCAG AA contrast on dark terminals.
var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171") // Red
	mutedColor   = lipgloss.Color("#9CA3AF") // Gray

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	styleAgent = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	styleSuccess = lipgloss.NewStyle().Foreground(successColor)
	styleWarning = lipgloss.NewStyle().Foreground(warningColor)
	styleError   = lipgloss.NewStyle().Foreground(errorColor)
	styleMuted   = lipgloss.NewStyle().Foreground(mutedColor)

	styleBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F9FAFB")).
			Background(primaryColor).
			Padding(0, 1)
)

// statusStyle picks a style for a scheduler status string.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return styleSuccess
	case "error", "cancelled":
		return styleError
	case "waiting_conflict", "pending":
		return styleWarning
	default:
		return styleMuted
	}
}
