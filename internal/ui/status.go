package ui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yolodolo42/hwsign/internal/device"
)

// StatusSource is a device session as seen by the status view.
type StatusSource interface {
	ID() string
	Kind() device.Kind
	Status() device.State
	Subscribe() (<-chan device.State, func())
}

// RefreshFunc reconnects the watched session.
type RefreshFunc func(ctx context.Context) error

type stateMsg device.State

type refreshDoneMsg struct{ err error }

type unsubscribedMsg struct{}

// StatusModel watches a session and shows the single indicator state.
// Keys: r refresh, d dismiss, q quit.
type StatusModel struct {
	src       StatusSource
	refresh   RefreshFunc
	indicator *device.Indicator
	states    <-chan device.State
	stop      func()
	spinner   spinner.Model
	// ExitOnReady quits once the device is Ready.
	ExitOnReady bool
	quitting    bool
	lastErr     error
}

// NewStatusModel subscribes to src. Call Close when the program ends.
func NewStatusModel(src StatusSource, refresh RefreshFunc) *StatusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = PromptStyle

	ind := &device.Indicator{}
	ind.Observe(src.Status())
	states, stop := src.Subscribe()

	return &StatusModel{
		src:       src,
		refresh:   refresh,
		indicator: ind,
		states:    states,
		stop:      stop,
		spinner:   sp,
	}
}

// Close unsubscribes from the session.
func (m *StatusModel) Close() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

// Current is the state on display.
func (m *StatusModel) Current() device.State {
	return m.indicator.Current()
}

func (m *StatusModel) wait() tea.Cmd {
	states := m.states
	return func() tea.Msg {
		st, ok := <-states
		if !ok {
			return unsubscribedMsg{}
		}
		return stateMsg(st)
	}
}

func (m *StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait())
}

func (m *StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.indicator.Dismiss()
			return m, nil
		case "r":
			m.indicator.Reset()
			m.lastErr = nil
			if m.refresh == nil {
				return m, nil
			}
			refresh := m.refresh
			return m, func() tea.Msg {
				return refreshDoneMsg{err: refresh(context.Background())}
			}
		}

	case stateMsg:
		st := device.State(msg)
		m.indicator.Observe(st)
		if m.ExitOnReady && st.Status == device.StatusReady {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.wait()

	case refreshDoneMsg:
		m.lastErr = msg.err
		return m, nil

	case unsubscribedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *StatusModel) View() string {
	var b strings.Builder
	st := m.indicator.Current()

	b.WriteString(TitleStyle.Render(string(m.src.Kind())))
	b.WriteString(SystemStyle.Render("  " + m.src.ID()))
	b.WriteString("\n\n")

	if st.Status == device.StatusConnecting {
		b.WriteString(m.spinner.View() + " ")
	}
	b.WriteString(StatusBadge(st.Status))
	if st.Message != "" {
		b.WriteString("  " + st.Message)
	}
	b.WriteString("\n")
	if st.RequiresManualRetry {
		b.WriteString(HelpStyle.Render("press r to retry once the problem is fixed") + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(SystemStyle.Render(m.lastErr.Error()) + "\n")
	}

	if !m.quitting {
		b.WriteString("\n" + HelpStyle.Render("r refresh · d dismiss · q quit"))
	}
	return b.String()
}
