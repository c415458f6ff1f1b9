package hid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	usbhid "github.com/karalabe/hid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stuckDev accepts writes and blocks reads until it is closed, like a
// Ledger waiting on the user.
type stuckDev struct {
	usbhid.Device
	once   sync.Once
	closed chan struct{}
}

func newStuckDev() *stuckDev { return &stuckDev{closed: make(chan struct{})} }

func (s *stuckDev) Write(b []byte) (int, error) { return len(b), nil }

func (s *stuckDev) Read(b []byte) (int, error) {
	<-s.closed
	return 0, errors.New("device closed")
}

func (s *stuckDev) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestDeviceClose(t *testing.T) {
	t.Run("does not wait for a pending read", func(t *testing.T) {
		dev := newStuckDev()
		d := &Device{dev: dev, log: zap.NewNop()}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := d.Exchange(ctx, []byte{0xe0, 0x01, 0x00, 0x00, 0x00})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		closed := make(chan error, 1)
		go func() { closed <- d.Close() }()
		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close blocked behind the pending exchange")
		}
	})

	t.Run("exchange after close fails fast", func(t *testing.T) {
		d := &Device{dev: newStuckDev(), log: zap.NewNop()}
		require.NoError(t, d.Close())
		require.NoError(t, d.Close())

		_, err := d.Exchange(context.Background(), []byte{0xe0, 0x01, 0x00, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
