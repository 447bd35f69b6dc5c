// Package usb abstracts the USB transport underneath the QuadDAQ driver.
// The daq package consumes devices only through the Transport interface,
// so the libusb-backed implementation can be swapped for a mock in tests.
package usb

import (
	"context"
	"fmt"
)

// InterfaceID selects one of the two interfaces exposed by the board.
type InterfaceID int

const (
	// InterfaceControl is the CDC communication interface carrying the
	// line-state control requests.
	InterfaceControl InterfaceID = 0
	// InterfaceData is the CDC data interface carrying the bulk IN stream.
	InterfaceData InterfaceID = 1
)

// DeviceInfo identifies one physical device on the bus. Vendor and product
// IDs say what the device is; bus number and address say which instance it
// is. Two DeviceInfo values describe the same physical device exactly when
// their Bus and Address match.
type DeviceInfo struct {
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
}

// Key returns the opaque instance identifier used to address a device for
// its lifetime on the bus.
func (i DeviceInfo) Key() string {
	return fmt.Sprintf("%d.%d", i.Bus, i.Address)
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("%04x:%04x@%s", i.VendorID, i.ProductID, i.Key())
}

// Description holds the informational string descriptors of a device.
type Description struct {
	Manufacturer string
	Product      string
	SerialNumber string
}

// Transport is the capability set a session needs from one attached device.
// All blocking operations take a context; cancellation aborts the underlying
// transfer where the backend supports it.
type Transport interface {
	// Open acquires the device handle. The returned flag reports whether a
	// kernel driver was (or will be) detached from the claimed interfaces.
	Open(ctx context.Context) (detachedKernelDriver bool, err error)
	// Close releases claimed interfaces and the device handle, restoring
	// any kernel driver binding.
	Close() error

	Claim(ctx context.Context, iface InterfaceID) error
	Release(ctx context.Context, iface InterfaceID) error

	// ControlTransfer issues a control request on the default endpoint.
	ControlTransfer(ctx context.Context, requestType, request byte, value, index uint16, payload []byte) error

	// StartPoll begins polling the data IN endpoint. Raw transfer buffers
	// arrive on the first channel in bus order; transfer errors arrive on
	// the second. Polling stops when ctx is cancelled.
	StartPoll(ctx context.Context) (<-chan []byte, <-chan error, error)

	Info() DeviceInfo

	// Strings fetches the manufacturer/product/serial descriptors.
	Strings(ctx context.Context) (Description, error)

	// SupportsDetachKernelDriver reports whether this backend can hand off
	// a kernel driver bound to the device. Capability flag, not a runtime
	// platform probe at the call site.
	SupportsDetachKernelDriver() bool
}

// Backend enumerates the bus and binds transports to devices.
type Backend interface {
	// Enumerate lists every device currently present on the bus.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	// Transport returns an unopened transport bound to the given device.
	Transport(info DeviceInfo) Transport
	Close() error
}
