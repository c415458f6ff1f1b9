package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
)

// FrameInterval is how long each frame of a multi-frame payload is shown.
const FrameInterval = 250 * time.Millisecond

// AirGapDriver advances an exchange; the orchestrator implements it.
type AirGapDriver interface {
	Advance(x *qr.Exchange, ev qr.Event) error
	Complete(ctx context.Context, x *qr.Exchange, scanned string) (signing.Signature, error)
	CancelAirGap(x *qr.Exchange) error
}

type frameTickMsg struct{}

type completeMsg struct {
	sig signing.Signature
	err error
}

// AirGapModel walks the user through an offline signing exchange.
type AirGapModel struct {
	driver AirGapDriver
	x      *qr.Exchange
	prompt Prompt

	rendered  []string
	renderFor qr.State
	frame     int
	busy      bool
	err       error

	sig  *signing.Signature
	done bool
}

// NewAirGapModel wraps x.
func NewAirGapModel(driver AirGapDriver, x *qr.Exchange) *AirGapModel {
	return &AirGapModel{
		driver:    driver,
		x:         x,
		prompt:    NewPrompt("signature", "0x…", 2+2*65),
		renderFor: -1,
	}
}

// Signature returns the result once signed.
func (m *AirGapModel) Signature() (signing.Signature, bool) {
	if m.sig == nil {
		return signing.Signature{}, false
	}
	return *m.sig, true
}

func tickFrame() tea.Cmd {
	return tea.Tick(FrameInterval, func(time.Time) tea.Msg { return frameTickMsg{} })
}

func (m *AirGapModel) Init() tea.Cmd {
	return tickFrame()
}

func (m *AirGapModel) advance(ev qr.Event) {
	m.err = m.driver.Advance(m.x, ev)
}

func (m *AirGapModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameTickMsg:
		if len(m.rendered) > 1 {
			m.frame = (m.frame + 1) % len(m.rendered)
		}
		if m.done {
			return m, nil
		}
		return m, tickFrame()

	case completeMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.prompt.Reset()
			return m, nil
		}
		m.sig = &msg.sig
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		return m.key(msg)
	}
	return m, nil
}

func (m *AirGapModel) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "esc" {
		if err := m.driver.CancelAirGap(m.x); err != nil {
			m.err = err
			return m, nil
		}
		m.done = true
		return m, tea.Quit
	}
	if m.busy {
		return m, nil
	}

	switch m.x.State() {
	case qr.StateInit:
		if msg.String() == "enter" || msg.String() == "y" {
			m.advance(qr.EventConfirm)
		}
	case qr.StateSend:
		switch msg.String() {
		case "enter", "s":
			m.advance(qr.EventScan)
		case "c":
			m.advance(qr.EventShowChainspec)
		case "m":
			m.advance(qr.EventCheckMetadata)
		}
	case qr.StateMetadataPromptCheck:
		switch msg.String() {
		case "u":
			m.advance(qr.EventUpdateMetadata)
		case "enter":
			m.advance(qr.EventDone)
		}
	case qr.StateChainspec, qr.StateUpdateMetadata:
		if msg.String() == "enter" {
			m.advance(qr.EventDone)
		}
	case qr.StateReceive:
		switch msg.String() {
		case "ctrl+b":
			m.advance(qr.EventBack)
		case "enter":
			scanned := m.prompt.Value()
			if scanned == "" {
				return m, nil
			}
			m.busy = true
			driver, x := m.driver, m.x
			return m, func() tea.Msg {
				sig, err := driver.Complete(context.Background(), x, scanned)
				return completeMsg{sig: sig, err: err}
			}
		default:
			return m, m.prompt.Update(msg)
		}
	}
	return m, nil
}

func (m *AirGapModel) frames() []string {
	state := m.x.State()
	if state == m.renderFor {
		return m.rendered
	}
	m.renderFor = state
	m.rendered = nil
	m.frame = 0

	frames, err := m.x.Frames()
	if err != nil {
		m.err = err
		return nil
	}
	for _, f := range frames {
		s, err := f.Terminal()
		if err != nil {
			m.err = err
			return nil
		}
		m.rendered = append(m.rendered, s)
	}
	return m.rendered
}

func (m *AirGapModel) View() string {
	var b strings.Builder
	state := m.x.State()

	b.WriteString(TitleStyle.Render("Air-gapped signing"))
	b.WriteString(SystemStyle.Render("  " + state.String()))
	b.WriteString("\n\n")

	if frames := m.frames(); len(frames) > 0 {
		b.WriteString(frames[m.frame%len(frames)])
		if len(frames) > 1 {
			b.WriteString(SystemStyle.Render(fmt.Sprintf("frame %d/%d", m.frame%len(frames)+1, len(frames))))
		}
		b.WriteString("\n")
	}

	switch state {
	case qr.StateInit:
		b.WriteString("Sign this payload with the offline signer?\n")
		b.WriteString(HelpStyle.Render("enter confirm · esc cancel"))
	case qr.StateSend:
		b.WriteString(HelpStyle.Render("scan with the signer · enter when it shows a signature · c chainspec · m metadata · esc cancel"))
	case qr.StateMetadataPromptCheck:
		b.WriteString("Is the signer's metadata for this network current?\n")
		b.WriteString(HelpStyle.Render("enter yes · u show update · esc cancel"))
	case qr.StateChainspec, qr.StateUpdateMetadata:
		b.WriteString(HelpStyle.Render("scan the update · enter when done"))
	case qr.StateReceive:
		b.WriteString(m.prompt.View() + "\n")
		b.WriteString(HelpStyle.Render("paste the scanned signature · ctrl+b show payload · esc cancel"))
	case qr.StateSigned:
		b.WriteString(SuccessStyle.Render(SymbolCheck + " signed"))
	case qr.StateCancelled:
		b.WriteString(SystemStyle.Render("cancelled"))
	}
	b.WriteString("\n")

	if m.err != nil {
		msg := m.err.Error()
		if errors.Is(m.err, signing.ErrProtocol) {
			msg = "that was not a signature, scan again"
		}
		b.WriteString(ErrorStyle.Render(SymbolCross+" "+msg) + "\n")
	}
	return b.String()
}
