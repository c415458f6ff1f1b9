// Package apdu encodes Ledger application commands and decodes their status
// words. Transport framing (HID packets) lives in the transport packages.
package apdu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxDataLength is the largest payload a single short APDU can carry.
const MaxDataLength = 255

// Exchanger sends one APDU to a device and returns the raw reply including
// the trailing two-byte status word.
type Exchanger interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
}

// Command is a short APDU.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

var errDataTooLong = errors.New("apdu: data exceeds 255 bytes")

// Encode serializes the command as CLA INS P1 P2 Lc Data.
func (c Command) Encode() ([]byte, error) {
	if len(c.Data) > MaxDataLength {
		return nil, errDataTooLong
	}
	out := make([]byte, 0, 5+len(c.Data))
	out = append(out, c.CLA, c.INS, c.P1, c.P2, byte(len(c.Data)))
	return append(out, c.Data...), nil
}

// Exchange sends the command and strips the status word. Any status other
// than StatusOK is returned as a *StatusError.
func Exchange(ctx context.Context, dev Exchanger, cmd Command) ([]byte, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	reply, err := dev.Exchange(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(reply) < 2 {
		return nil, fmt.Errorf("apdu: reply too short: %d bytes", len(reply))
	}
	sw := binary.BigEndian.Uint16(reply[len(reply)-2:])
	if sw != StatusOK {
		return nil, &StatusError{Code: sw}
	}
	return reply[:len(reply)-2], nil
}
