// Package styles holds the lipgloss styles used by the kin CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette.
var (
	Primary   = lipgloss.Color("#0D9488") // teal
	Secondary = lipgloss.Color("#F59E0B") // amber
	Success   = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Info      = lipgloss.Color("#3B82F6")
	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Text styles.
var (
	Bold = lipgloss.NewStyle().Bold(true)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted  = lipgloss.NewStyle().Foreground(TextMuted)

	Highlight = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary)

	Code = lipgloss.NewStyle().
		Foreground(Secondary).
		Background(Surface).
		Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
)

// Icons.
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconArrow    = "→"
	IconDot      = "•"
	IconPending  = "◌"
	IconTask     = "☐"
	IconDone     = "☑"
	IconDeleted  = "⌫"
	IconStream   = "⇶"
	IconSnapshot = "◉"
	IconDatabase = "🗄️"
)

func roundedBox(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(c).
		Padding(1, 2)
}

// Boxes.
var (
	Box        = roundedBox(Border)
	BoxSuccess = roundedBox(Success)
	BoxError   = roundedBox(Error)
	InfoBox    = roundedBox(Info).MarginTop(1)
)

// Indent pads nested output.
var Indent = lipgloss.NewStyle().PaddingLeft(2)

// FormatSuccess formats a success message with icon.
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon.
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon.
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon.
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats step of total, e.g. "[2/5] Applying migration".
func FormatStep(step, total int, msg string) string {
	return Muted.Width(8).Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats an aligned key/value pair.
func FormatKeyValue(key, value string) string {
	return Muted.Width(20).Render(key+":") + " " + Highlight.Render(value)
}

// FormatStatus renders a task status with its icon and color.
func FormatStatus(status string) string {
	switch status {
	case "active":
		return InfoStyle.Render(IconTask + " " + status)
	case "completed":
		return SuccessStyle.Render(IconDone + " " + status)
	case "deleted":
		return Muted.Render(IconDeleted + " " + status)
	default:
		return WarningStyle.Render(IconPending + " " + status)
	}
}

// DisableColors switches lipgloss to plain ASCII output.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}
