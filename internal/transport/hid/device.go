// Package hid talks to Ledger devices over USB HID.
package hid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	usbhid "github.com/karalabe/hid"
	"go.uber.org/zap"
)

const (
	// VendorLedger is Ledger's USB vendor id.
	VendorLedger = 0x2c97

	usagePageLedger = 0xffa0
)

var (
	// ErrNotFound means no Ledger device is currently enumerated.
	ErrNotFound = errors.New("hid: ledger device not found")

	// ErrUnsupported means the platform has no HID support compiled in.
	ErrUnsupported = errors.New("hid: usb hid is not supported on this platform")
)

// Info describes an enumerated Ledger device.
type Info struct {
	Path      string
	Product   string
	ProductID uint16
	info      usbhid.DeviceInfo
}

// Enumerate lists the Ledger interfaces that speak the APDU protocol.
func Enumerate() ([]Info, error) {
	if !usbhid.Supported() {
		return nil, ErrUnsupported
	}
	infos, err := usbhid.Enumerate(VendorLedger, 0)
	if err != nil {
		return nil, fmt.Errorf("hid: enumerate: %w", err)
	}

	var out []Info
	for _, info := range infos {
		// Older firmware reports no usage page; interface 0 is the APDU one.
		if info.UsagePage != usagePageLedger && info.Interface != 0 {
			continue
		}
		out = append(out, Info{
			Path:      info.Path,
			Product:   info.Product,
			ProductID: info.ProductID,
			info:      info,
		})
	}
	return out, nil
}

// Opener opens a Ledger device by enumeration index.
type Opener struct {
	Index  int
	Logger *zap.Logger
}

// Open enumerates devices and opens the one at o.Index.
func (o Opener) Open(ctx context.Context) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := Enumerate()
	if err != nil {
		return nil, err
	}
	if o.Index >= len(infos) {
		return nil, ErrNotFound
	}
	dev, err := infos[o.Index].info.Open()
	if err != nil {
		return nil, fmt.Errorf("hid: open %s: %w", infos[o.Index].Product, err)
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Debug("opened ledger", zap.String("product", infos[o.Index].Product), zap.String("path", infos[o.Index].Path))
	return &Device{dev: dev, log: log}, nil
}

// Device is an open Ledger HID interface. xmu serializes exchanges and may
// be held across a blocking read; mu only guards closed so Close never waits
// on an exchange in flight.
type Device struct {
	xmu    sync.Mutex
	mu     sync.Mutex
	dev    usbhid.Device
	log    *zap.Logger
	closed bool
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type exchangeResult struct {
	reply []byte
	err   error
}

// Exchange writes apdu and waits for the reply. If ctx ends first the
// exchange is abandoned; closing the device unblocks the pending read.
func (d *Device) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	done := make(chan exchangeResult, 1)
	go func() {
		reply, err := d.exchange(apdu)
		done <- exchangeResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) exchange(apdu []byte) ([]byte, error) {
	d.xmu.Lock()
	defer d.xmu.Unlock()
	if d.isClosed() {
		return nil, ErrNotFound
	}

	d.log.Debug("apdu =>", zap.String("data", fmt.Sprintf("%x", apdu)))
	for _, packet := range Wrap(apdu) {
		if _, err := d.dev.Write(packet); err != nil {
			return nil, fmt.Errorf("hid: write: %w", err)
		}
	}

	var r replyReader
	packet := make([]byte, PacketSize)
	for {
		if _, err := io.ReadFull(d.dev, packet); err != nil {
			return nil, fmt.Errorf("hid: read: %w", err)
		}
		complete, err := r.Feed(packet)
		if err != nil {
			return nil, err
		}
		if complete {
			break
		}
	}
	d.log.Debug("apdu <=", zap.String("data", fmt.Sprintf("%x", r.Reply())))
	return r.Reply(), nil
}

// Close releases the device, unblocking any pending read. It is safe to
// call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.dev.Close()
}
