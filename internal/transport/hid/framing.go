package hid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PacketSize is the HID report size used by Ledger devices.
	PacketSize = 64

	channelID = 0x0101
	tagAPDU   = 0x05
	headerLen = 5
)

var errInvalidHeader = errors.New("hid: invalid reply header")

// Wrap splits an APDU into HID packets. The APDU is prefixed with its
// big-endian length and each packet carries the channel, tag and a sequence
// number. The final packet is zero padded.
func Wrap(apdu []byte) [][]byte {
	data := make([]byte, 2, 2+len(apdu))
	binary.BigEndian.PutUint16(data, uint16(len(apdu)))
	data = append(data, apdu...)

	var packets [][]byte
	for seq := 0; len(data) > 0; seq++ {
		packet := make([]byte, PacketSize)
		binary.BigEndian.PutUint16(packet[0:], channelID)
		packet[2] = tagAPDU
		binary.BigEndian.PutUint16(packet[3:], uint16(seq))

		n := copy(packet[headerLen:], data)
		data = data[n:]
		packets = append(packets, packet)
	}
	return packets
}

// replyReader reassembles a reply from HID packets.
type replyReader struct {
	seq   uint16
	want  int
	reply []byte
}

// Feed consumes one packet and reports whether the reply is complete.
func (r *replyReader) Feed(packet []byte) (bool, error) {
	if len(packet) < headerLen+1 {
		return false, fmt.Errorf("hid: short packet: %d bytes", len(packet))
	}
	if binary.BigEndian.Uint16(packet[0:]) != channelID || packet[2] != tagAPDU {
		return false, errInvalidHeader
	}
	if seq := binary.BigEndian.Uint16(packet[3:]); seq != r.seq {
		return false, fmt.Errorf("hid: unexpected sequence %d, want %d", seq, r.seq)
	}

	payload := packet[headerLen:]
	if r.seq == 0 {
		if len(payload) < 2 {
			return false, fmt.Errorf("hid: short first packet")
		}
		r.want = int(binary.BigEndian.Uint16(payload))
		r.reply = make([]byte, 0, r.want)
		payload = payload[2:]
	}
	r.seq++

	left := r.want - len(r.reply)
	if left > len(payload) {
		r.reply = append(r.reply, payload...)
		return false, nil
	}
	r.reply = append(r.reply, payload[:left]...)
	return true, nil
}

// Reply returns the reassembled bytes, including the status word.
func (r *replyReader) Reply() []byte {
	return r.reply
}
