package testutil

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/yolodolo42/hwsign/internal/apdu"
)

// APDUHandler answers one command with reply data and a status word.
type APDUHandler func(cmd apdu.Command) ([]byte, uint16)

// FakeLedger is an in-memory Ledger that answers APDUs from handlers keyed
// by CLA and INS. It records every command and every Close. Commands with
// an unknown CLA get 0x6e00, unknown INS 0x6d00.
type FakeLedger struct {
	mu       sync.Mutex
	handlers map[[2]byte]APDUHandler
	classes  map[byte]bool
	commands []apdu.Command
	closes   int

	// TransportErr, when set, fails every exchange before a handler runs.
	TransportErr error
}

// NewFakeLedger returns a ledger with no handlers.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		handlers: make(map[[2]byte]APDUHandler),
		classes:  make(map[byte]bool),
	}
}

// Handle registers h for cla/ins.
func (f *FakeLedger) Handle(cla, ins byte, h APDUHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[[2]byte{cla, ins}] = h
	f.classes[cla] = true
}

// Reply registers a handler that always returns data with 0x9000.
func (f *FakeLedger) Reply(cla, ins byte, data []byte) {
	f.Handle(cla, ins, func(apdu.Command) ([]byte, uint16) { return data, apdu.StatusOK })
}

// Exchange implements apdu.Exchanger.
func (f *FakeLedger) Exchange(ctx context.Context, raw []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(raw) < 5 || int(raw[4]) != len(raw)-5 {
		return nil, errors.New("fake ledger: malformed apdu")
	}
	cmd := apdu.Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], Data: append([]byte(nil), raw[5:]...)}

	f.mu.Lock()
	if f.TransportErr != nil {
		err := f.TransportErr
		f.mu.Unlock()
		return nil, err
	}
	f.commands = append(f.commands, cmd)
	h, ok := f.handlers[[2]byte{cmd.CLA, cmd.INS}]
	knownClass := f.classes[cmd.CLA]
	f.mu.Unlock()

	var data []byte
	sw := apdu.StatusOK
	switch {
	case ok:
		data, sw = h(cmd)
	case knownClass:
		sw = apdu.StatusInsNotSupported
	default:
		sw = apdu.StatusClaNotSupported
	}
	return binary.BigEndian.AppendUint16(append([]byte(nil), data...), sw), nil
}

// Commands returns the commands received so far.
func (f *FakeLedger) Commands() []apdu.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apdu.Command(nil), f.commands...)
}

// CommandsFor returns the commands received for one instruction.
func (f *FakeLedger) CommandsFor(ins byte) []apdu.Command {
	var out []apdu.Command
	for _, c := range f.Commands() {
		if c.INS == ins {
			out = append(out, c)
		}
	}
	return out
}

// Close implements device.Handle.
func (f *FakeLedger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Closes returns how often Close was called.
func (f *FakeLedger) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
