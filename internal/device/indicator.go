package device

import "sync"

// Indicator holds the single status shown to the user. Once an error or
// warning is displayed it stays until the device becomes Ready, another
// error or warning replaces it, or the user dismisses it. Transient
// Connecting and Unknown states do not clear it, so reconnect attempts do
// not make the message flicker.
type Indicator struct {
	mu     sync.Mutex
	last   State
	sticky *State
}

// Observe feeds a new session state.
func (i *Indicator) Observe(st State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.last = st
	switch st.Status {
	case StatusReady:
		i.sticky = nil
	case StatusWarning, StatusError:
		shown := st
		i.sticky = &shown
	}
}

// Current returns the state to display.
func (i *Indicator) Current() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sticky != nil {
		return *i.sticky
	}
	return i.last
}

// Dismiss hides the displayed error until the next one arrives.
func (i *Indicator) Dismiss() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sticky = nil
}

// Reset clears everything; used when the user asks for a refresh.
func (i *Indicator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sticky = nil
	i.last = State{Status: StatusConnecting}
}
