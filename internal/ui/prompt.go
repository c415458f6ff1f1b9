package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Prompt is a single-line input with a styled prefix. Pasted scanner
// output often carries whitespace, so Value trims it.
type Prompt struct {
	input   textinput.Model
	label   string
	focused bool
}

// NewPrompt creates a focused prompt.
func NewPrompt(label, placeholder string, limit int) Prompt {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.CharLimit = limit
	ti.Width = 80
	ti.Focus()

	return Prompt{
		input:   ti,
		label:   label,
		focused: true,
	}
}

// Focus sets focus on the prompt
func (p *Prompt) Focus() tea.Cmd {
	p.focused = true
	return p.input.Focus()
}

// Blur removes focus from the prompt
func (p *Prompt) Blur() {
	p.focused = false
	p.input.Blur()
}

// SetWidth sets the width of the input
func (p *Prompt) SetWidth(w int) {
	p.input.Width = w - len(p.label) - 4
}

// Value returns the trimmed input value
func (p *Prompt) Value() string {
	return strings.TrimSpace(p.input.Value())
}

// Reset clears the input
func (p *Prompt) Reset() {
	p.input.Reset()
}

// Update handles input events
func (p *Prompt) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.input, cmd = p.input.Update(msg)
	return cmd
}

// View renders the prompt
func (p *Prompt) View() string {
	style := SelectorDim
	if p.focused {
		style = PromptStyle
	}
	prefix := SymbolPrompt
	if p.label != "" {
		prefix = p.label + " " + SymbolPrompt
	}
	return style.Render(prefix) + " " + p.input.View()
}
