package qr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const (
	// DefaultFrameSize is the chunk size per animated frame.
	DefaultFrameSize = 1024

	multipartTag = 0x00
	frameHeader  = 5
)

var errMalformedFrame = errors.New("qr: malformed frame")

// Frame is the binary content of one QR code.
type Frame []byte

// PNG renders the frame as a PNG image of size pixels square.
func (f Frame) PNG(size int) ([]byte, error) {
	return qrcode.Encode(string(f), qrcode.Medium, size)
}

// Terminal renders the frame with half-block characters for a terminal.
func (f Frame) Terminal() (string, error) {
	code, err := qrcode.New(string(f), qrcode.Low)
	if err != nil {
		return "", err
	}
	return code.ToSmallString(false), nil
}

// EncodeFrames splits data into multipart frames: a zero tag, the frame
// count and the frame index as big-endian u16, then the chunk.
func EncodeFrames(data []byte, size int) ([]Frame, error) {
	if size <= 0 {
		size = DefaultFrameSize
	}
	count := (len(data) + size - 1) / size
	if count == 0 {
		count = 1
	}
	if count > 0xffff {
		return nil, fmt.Errorf("qr: payload needs %d frames", count)
	}

	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*size, len(data))
		chunk := data[min(i*size, len(data)):end]

		f := make(Frame, 0, frameHeader+len(chunk))
		f = append(f, multipartTag)
		f = binary.BigEndian.AppendUint16(f, uint16(count))
		f = binary.BigEndian.AppendUint16(f, uint16(i))
		frames = append(frames, append(f, chunk...))
	}
	return frames, nil
}

// DecodeFrames reassembles frames in any order.
func DecodeFrames(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, errMalformedFrame
	}
	var count int
	parts := make(map[int][]byte)
	for _, f := range frames {
		if len(f) < frameHeader || f[0] != multipartTag {
			return nil, errMalformedFrame
		}
		n := int(binary.BigEndian.Uint16(f[1:3]))
		idx := int(binary.BigEndian.Uint16(f[3:5]))
		if count == 0 {
			count = n
		}
		if n != count || idx >= count {
			return nil, errMalformedFrame
		}
		parts[idx] = f[frameHeader:]
	}
	if len(parts) != count {
		return nil, fmt.Errorf("%w: have %d of %d frames", errMalformedFrame, len(parts), count)
	}
	var out []byte
	for i := 0; i < count; i++ {
		out = append(out, parts[i]...)
	}
	return out, nil
}
