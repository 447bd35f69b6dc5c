package usb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/gousb"
)

const (
	// Configuration and endpoint layout of the CDC-style board: single
	// configuration, data IN on endpoint 3 (0x83).
	configNum       = 1
	dataInEndpoint  = 3
	readBufferSlots = 16
)

// GousbBackend implements Backend on top of github.com/google/gousb.
type GousbBackend struct {
	usb *gousb.Context
}

// NewGousbBackend initializes a libusb context.
func NewGousbBackend() *GousbBackend {
	return &GousbBackend{usb: gousb.NewContext()}
}

// Enumerate lists all devices on the bus without opening any of them. The
// match function records descriptors and declines every open.
func (b *GousbBackend) Enumerate(_ context.Context) ([]DeviceInfo, error) {
	var infos []DeviceInfo
	_, err := b.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, DeviceInfo{
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			Bus:       desc.Bus,
			Address:   desc.Address,
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	return infos, nil
}

func (b *GousbBackend) Transport(info DeviceInfo) Transport {
	return &gousbTransport{
		usb:  b.usb,
		info: info,
		// libusb can only hand off kernel drivers on Linux.
		detach: runtime.GOOS == "linux",
	}
}

func (b *GousbBackend) Close() error {
	return b.usb.Close()
}

// gousbTransport is one device handle plus its claimed interfaces.
type gousbTransport struct {
	usb    *gousb.Context
	info   DeviceInfo
	detach bool

	mu     sync.Mutex
	dev    *gousb.Device
	cfg    *gousb.Config
	claims map[InterfaceID]*gousb.Interface
}

func (t *gousbTransport) Info() DeviceInfo { return t.info }

func (t *gousbTransport) SupportsDetachKernelDriver() bool { return t.detach }

func (t *gousbTransport) Open(_ context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.detach, nil
	}

	devs, err := t.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == t.info.Bus && desc.Address == t.info.Address &&
			uint16(desc.Vendor) == t.info.VendorID && uint16(desc.Product) == t.info.ProductID
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return false, fmt.Errorf("usb open %s: %w", t.info, err)
	}
	if len(devs) == 0 {
		return false, fmt.Errorf("usb open %s: device not found", t.info)
	}
	// Bus and address are unique; extras would mean the bus changed under us.
	for _, d := range devs[1:] {
		d.Close()
	}
	dev := devs[0]

	detached := false
	if t.detach {
		if err := dev.SetAutoDetach(true); err != nil {
			dev.Close()
			return false, fmt.Errorf("usb detach kernel driver %s: %w", t.info, err)
		}
		detached = true
	}

	t.dev = dev
	t.claims = make(map[InterfaceID]*gousb.Interface)
	return detached, nil
}

func (t *gousbTransport) Claim(_ context.Context, iface InterfaceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return fmt.Errorf("usb claim %s: device not open", t.info)
	}
	if _, ok := t.claims[iface]; ok {
		return nil
	}
	if t.cfg == nil {
		cfg, err := t.dev.Config(configNum)
		if err != nil {
			return fmt.Errorf("usb config %d on %s: %w", configNum, t.info, err)
		}
		t.cfg = cfg
	}
	in, err := t.cfg.Interface(int(iface), 0)
	if err != nil {
		return fmt.Errorf("usb claim interface %d on %s: %w", int(iface), t.info, err)
	}
	t.claims[iface] = in
	return nil
}

func (t *gousbTransport) Release(_ context.Context, iface InterfaceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.claims[iface]
	if !ok {
		return nil
	}
	in.Close()
	delete(t.claims, iface)
	return nil
}

func (t *gousbTransport) ControlTransfer(_ context.Context, requestType, request byte, value, index uint16, payload []byte) error {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("usb control %s: device not open", t.info)
	}
	if _, err := dev.Control(requestType, request, value, index, payload); err != nil {
		return fmt.Errorf("usb control %s: %w", t.info, err)
	}
	return nil
}

func (t *gousbTransport) StartPoll(ctx context.Context) (<-chan []byte, <-chan error, error) {
	t.mu.Lock()
	in, ok := t.claims[InterfaceData]
	t.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("usb poll %s: data interface not claimed", t.info)
	}
	ep, err := in.InEndpoint(dataInEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("usb poll %s: endpoint %d: %w", t.info, dataInEndpoint, err)
	}

	data := make(chan []byte, readBufferSlots)
	errs := make(chan error, 1)
	go func() {
		defer close(data)
		buf := make([]byte, ep.Desc.MaxPacketSize)
		for {
			n, err := ep.ReadContext(ctx, buf)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				select {
				case errs <- err:
				default:
					slog.Warn("dropping transfer error, consumer behind",
						slog.String("device", t.info.String()), slog.Any("error", err))
				}
				continue
			}
			if n == 0 {
				continue
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case data <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return data, errs, nil
}

func (t *gousbTransport) Strings(_ context.Context) (Description, error) {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return Description{}, fmt.Errorf("usb strings %s: device not open", t.info)
	}
	var d Description
	var err error
	if d.Manufacturer, err = dev.Manufacturer(); err != nil {
		return Description{}, fmt.Errorf("usb strings %s: manufacturer: %w", t.info, err)
	}
	if d.Product, err = dev.Product(); err != nil {
		return Description{}, fmt.Errorf("usb strings %s: product: %w", t.info, err)
	}
	if d.SerialNumber, err = dev.SerialNumber(); err != nil {
		return Description{}, fmt.Errorf("usb strings %s: serial: %w", t.info, err)
	}
	return d, nil
}

func (t *gousbTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, in := range t.claims {
		in.Close()
		delete(t.claims, id)
	}
	if t.cfg != nil {
		if err := t.cfg.Close(); err != nil {
			slog.Warn("releasing configuration failed", slog.String("device", t.info.String()), slog.Any("error", err))
		}
		t.cfg = nil
	}
	if t.dev == nil {
		return nil
	}
	err := t.dev.Close()
	t.dev = nil
	if err != nil {
		return fmt.Errorf("usb close %s: %w", t.info, err)
	}
	return nil
}
