package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// SelectorItem is one choice in a Selector.
type SelectorItem struct {
	ID          string
	Label       string
	Description string
	Current     bool
}

// Selector is an interactive list picker, used to choose a device or an
// account origin.
type Selector struct {
	title     string
	items     []SelectorItem
	cursor    int
	selected  int
	cancelled bool
}

// NewSelector creates a selector with the cursor on the current item.
func NewSelector(title string, items []SelectorItem) *Selector {
	cursor := 0
	for i, item := range items {
		if item.Current {
			cursor = i
			break
		}
	}
	return &Selector{title: title, items: items, cursor: cursor, selected: -1}
}

// Selected returns the chosen item ID, or empty if cancelled.
func (s *Selector) Selected() string {
	if s.selected >= 0 && s.selected < len(s.items) {
		return s.items[s.selected].ID
	}
	return ""
}

// Cancelled reports whether the user backed out.
func (s *Selector) Cancelled() bool {
	return s.cancelled
}

func (s *Selector) Init() tea.Cmd { return nil }

func (s *Selector) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return s, nil
	}
	switch key.String() {
	case "up", "k":
		if s.cursor > 0 {
			s.cursor--
		}
	case "down", "j":
		if s.cursor < len(s.items)-1 {
			s.cursor++
		}
	case "enter":
		if len(s.items) > 0 {
			s.selected = s.cursor
			return s, tea.Quit
		}
	case "esc", "q", "ctrl+c":
		s.cancelled = true
		return s, tea.Quit
	}
	return s, nil
}

func (s *Selector) View() string {
	if s.selected >= 0 || s.cancelled {
		return ""
	}

	var b strings.Builder
	b.WriteString(HelpStyle.Render(s.title + " (↑/↓ navigate, enter select, esc cancel)"))
	b.WriteString("\n\n")

	for i, item := range s.items {
		if i == s.cursor {
			b.WriteString(SelectorCursor.Render(SymbolArrow) + " ")
		} else {
			b.WriteString("  ")
		}

		display := item.Label
		if display == "" {
			display = item.ID
		}
		label := fmt.Sprintf("%-35s", display)
		if i == s.cursor {
			b.WriteString(SelectorActive.Render(label))
		} else {
			b.WriteString(SelectorItemStyle.Render(label))
		}

		desc := item.Description
		if item.Current {
			desc += " (current)"
		}
		if desc != "" {
			b.WriteString(SelectorDim.Render(desc))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Select runs a selector program and returns the chosen ID. ok is false
// when the user cancelled.
func Select(title string, items []SelectorItem, opts ...tea.ProgramOption) (id string, ok bool, err error) {
	s := NewSelector(title, items)
	if _, err := tea.NewProgram(s, opts...).Run(); err != nil {
		return "", false, err
	}
	if s.Cancelled() {
		return "", false, nil
	}
	return s.Selected(), s.Selected() != "", nil
}
