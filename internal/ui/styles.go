package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/yolodolo42/hwsign/internal/device"
)

var (
	ColorPrimary   = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("35")  // Green
	ColorWarning   = lipgloss.Color("214") // Gold/yellow
	ColorError     = lipgloss.Color("196") // Red
	ColorDim       = lipgloss.Color("241") // Gray
	ColorAccent    = lipgloss.Color("39")  // Blue
	ColorHighlight = lipgloss.Color("212") // Light pink
)

const (
	SymbolPrompt  = "❯"
	SymbolBullet  = "●"
	SymbolArrow   = "▸"
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "!"
	SymbolPending = "◐"
)

var (
	PromptStyle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	SystemStyle = lipgloss.NewStyle().
			Foreground(ColorDim)

	SelectorCursor = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	SelectorItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252"))

	SelectorDim = lipgloss.NewStyle().
			Foreground(ColorDim)

	SelectorActive = lipgloss.NewStyle().
			Foreground(ColorHighlight).
			Bold(true)

	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(ColorDim)
)

// StatusBadge renders the symbol and name of a device status.
func StatusBadge(s device.Status) string {
	switch s {
	case device.StatusReady:
		return SuccessStyle.Render(SymbolCheck + " " + s.String())
	case device.StatusWarning:
		return WarningStyle.Render(SymbolWarning + " " + s.String())
	case device.StatusError:
		return ErrorStyle.Render(SymbolCross + " " + s.String())
	case device.StatusConnecting:
		return PromptStyle.Render(SymbolPending + " " + s.String())
	}
	return SystemStyle.Render(SymbolBullet + " " + s.String())
}
