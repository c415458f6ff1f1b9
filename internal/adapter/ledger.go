package adapter

import (
	"context"

	"github.com/yolodolo42/hwsign/internal/apdu"
)

// chunkSender streams payload in chunks of at most size bytes. first and
// next are the P1 values for the first and following chunks; last, when
// non-nil, overrides P1 for the final chunk. The reply of the final chunk
// is returned.
type chunkSender struct {
	cla, ins    byte
	p2          byte
	size        int
	first, next byte
	last        *byte
}

func (c chunkSender) send(ctx context.Context, ex apdu.Exchanger, chunks [][]byte) ([]byte, error) {
	var reply []byte
	for i, chunk := range chunks {
		p1 := c.next
		switch {
		case i == 0:
			p1 = c.first
		case i == len(chunks)-1 && c.last != nil:
			p1 = *c.last
		}
		var err error
		reply, err = apdu.Exchange(ctx, ex, apdu.Command{CLA: c.cla, INS: c.ins, P1: p1, P2: c.p2, Data: chunk})
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// split cuts data into pieces of at most size bytes.
func split(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}
