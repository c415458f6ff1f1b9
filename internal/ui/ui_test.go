package ui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
)

type fakeSource struct {
	mu     sync.Mutex
	state  device.State
	ch     chan device.State
	closed bool
}

func newFakeSource(st device.State) *fakeSource {
	return &fakeSource{state: st, ch: make(chan device.State, 8)}
}

func (f *fakeSource) ID() string           { return "session-1" }
func (f *fakeSource) Kind() device.Kind    { return device.KindLedgerEthereum }
func (f *fakeSource) Status() device.State { return f.state }
func (f *fakeSource) Subscribe() (<-chan device.State, func()) {
	return f.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.closed {
			f.closed = true
			close(f.ch)
		}
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+b":
		return tea.KeyMsg{Type: tea.KeyCtrlB}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestStatusModel(t *testing.T) {
	t.Run("error stays through reconnect attempts", func(t *testing.T) {
		src := newFakeSource(device.State{Status: device.StatusConnecting})
		m := NewStatusModel(src, nil)
		defer m.Close()

		m.Update(stateMsg{Status: device.StatusError, Message: "Ledger is locked"})
		m.Update(stateMsg{Status: device.StatusConnecting})
		assert.Equal(t, device.StatusError, m.Current().Status)
		assert.Contains(t, m.View(), "Ledger is locked")

		m.Update(stateMsg{Status: device.StatusReady})
		assert.Equal(t, device.StatusReady, m.Current().Status)
	})

	t.Run("dismiss hides the error", func(t *testing.T) {
		src := newFakeSource(device.State{Status: device.StatusWarning, Message: "open the app"})
		m := NewStatusModel(src, nil)
		defer m.Close()

		m.Update(key("d"))
		assert.Equal(t, device.StatusWarning, m.Current().Status)
		m.Update(stateMsg{Status: device.StatusConnecting})
		assert.Equal(t, device.StatusConnecting, m.Current().Status)
	})

	t.Run("refresh resets and reconnects", func(t *testing.T) {
		src := newFakeSource(device.State{Status: device.StatusError, Message: "denied", RequiresManualRetry: true})
		var refreshed int
		m := NewStatusModel(src, func(context.Context) error {
			refreshed++
			return errors.New("still denied")
		})
		defer m.Close()
		assert.Contains(t, m.View(), "press r")

		_, cmd := m.Update(key("r"))
		assert.Equal(t, device.StatusConnecting, m.Current().Status)
		require.NotNil(t, cmd)
		m.Update(cmd())
		assert.Equal(t, 1, refreshed)
		assert.Contains(t, m.View(), "still denied")
	})

	t.Run("subscription feeds updates", func(t *testing.T) {
		src := newFakeSource(device.State{Status: device.StatusConnecting})
		m := NewStatusModel(src, nil)
		m.ExitOnReady = true

		src.ch <- device.State{Status: device.StatusReady}
		msg := m.wait()()
		_, cmd := m.Update(msg)
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())

		m.Close()
		assert.IsType(t, unsubscribedMsg{}, m.wait()())
	})

	t.Run("quit", func(t *testing.T) {
		m := NewStatusModel(newFakeSource(device.State{}), nil)
		defer m.Close()
		_, cmd := m.Update(key("q"))
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})
}

func TestSelector(t *testing.T) {
	items := []SelectorItem{{ID: "ledger"}, {ID: "bridge", Current: true}, {ID: "qr"}}

	t.Run("starts on current and selects", func(t *testing.T) {
		s := NewSelector("Origin", items)
		assert.Contains(t, s.View(), "(current)")
		s.Update(key("j"))
		s.Update(key("enter"))
		assert.Equal(t, "qr", s.Selected())
		assert.False(t, s.Cancelled())
	})

	t.Run("cancel", func(t *testing.T) {
		s := NewSelector("Origin", items)
		s.Update(key("esc"))
		assert.True(t, s.Cancelled())
		assert.Empty(t, s.Selected())
	})
}

// directDriver drives the exchange without journaling.
type directDriver struct{}

func (directDriver) Advance(x *qr.Exchange, ev qr.Event) error { return x.Advance(ev) }
func (directDriver) CancelAirGap(x *qr.Exchange) error         { return x.Cancel() }
func (directDriver) Complete(_ context.Context, x *qr.Exchange, scanned string) (signing.Signature, error) {
	return x.Complete(scanned)
}

func airGapExchange(t *testing.T) *qr.Exchange {
	t.Helper()
	x, err := qr.Begin(signing.Request{
		Address: "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		Family:  signing.FamilySubstrate,
		Payload: signing.RawBytes("hello"),
		Network: signing.NetworkIdentity{ID: "polkadot", GenesisHash: "0x" + strings.Repeat("91", 32)},
	}, qr.Options{Curve: qr.CurveSr25519})
	require.NoError(t, err)
	return x
}

func typeString(m *AirGapModel, s string) {
	for _, r := range s {
		m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
}

func TestAirGapModel(t *testing.T) {
	t.Run("walks to signed", func(t *testing.T) {
		x := airGapExchange(t)
		m := NewAirGapModel(directDriver{}, x)

		assert.Contains(t, m.View(), "offline signer")
		m.Update(key("enter"))
		assert.Equal(t, qr.StateSend, x.State())
		assert.Contains(t, m.View(), "█")

		m.Update(key("enter"))
		require.Equal(t, qr.StateReceive, x.State())

		typeString(m, "0xzz")
		_, cmd := m.Update(key("enter"))
		require.NotNil(t, cmd)
		m.Update(cmd())
		assert.Equal(t, qr.StateReceive, x.State())
		assert.Contains(t, m.View(), "not a signature")

		typeString(m, "0x"+strings.Repeat("ab", 64))
		_, cmd = m.Update(key("enter"))
		require.NotNil(t, cmd)
		_, cmd = m.Update(cmd())
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())

		sig, ok := m.Signature()
		require.True(t, ok)
		assert.Len(t, sig.Bytes, 64)
		assert.Equal(t, qr.StateSigned, x.State())
	})

	t.Run("missing chainspec is reported", func(t *testing.T) {
		x := airGapExchange(t)
		m := NewAirGapModel(directDriver{}, x)
		m.Update(key("enter"))
		m.Update(key("c"))
		assert.Equal(t, qr.StateSend, x.State())
		assert.ErrorIs(t, m.err, signing.ErrCapabilityUnavailable)
	})

	t.Run("back from receive", func(t *testing.T) {
		x := airGapExchange(t)
		m := NewAirGapModel(directDriver{}, x)
		m.Update(key("enter"))
		m.Update(key("s"))
		m.Update(key("ctrl+b"))
		assert.Equal(t, qr.StateSend, x.State())
	})

	t.Run("cancel", func(t *testing.T) {
		x := airGapExchange(t)
		m := NewAirGapModel(directDriver{}, x)
		_, cmd := m.Update(key("esc"))
		require.NotNil(t, cmd)
		assert.Equal(t, qr.StateCancelled, x.State())
		_, ok := m.Signature()
		assert.False(t, ok)
	})
}
