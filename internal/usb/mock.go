package usb

import (
	"context"
	"sync"
)

// ControlRequest records one control transfer issued against a MockTransport.
type ControlRequest struct {
	RequestType byte
	Request     byte
	Value       uint16
	Index       uint16
	Payload     []byte
}

// MockTransport is a channel-driven Transport for tests. Buffers pushed via
// Emit appear on the poll channel exactly as a device transfer would.
type MockTransport struct {
	// Fault injection. Set before use; returned verbatim by the matching
	// operation.
	OpenErr    error
	ClaimErr   error
	ControlErr error

	// Reported by Strings.
	Descr Description

	info   DeviceInfo
	detach bool

	mu       sync.Mutex
	opened   bool
	claimed  map[InterfaceID]bool
	controls []ControlRequest

	data chan []byte
	errs chan error
}

func NewMockTransport(info DeviceInfo) *MockTransport {
	return &MockTransport{
		info:    info,
		detach:  true,
		claimed: make(map[InterfaceID]bool),
		data:    make(chan []byte, 16),
		errs:    make(chan error, 1),
	}
}

func (m *MockTransport) Info() DeviceInfo                 { return m.info }
func (m *MockTransport) SupportsDetachKernelDriver() bool { return m.detach }

func (m *MockTransport) Open(_ context.Context) (bool, error) {
	if m.OpenErr != nil {
		return false, m.OpenErr
	}
	m.mu.Lock()
	m.opened = true
	m.mu.Unlock()
	return m.detach, nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.opened = false
	m.claimed = make(map[InterfaceID]bool)
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Claim(_ context.Context, iface InterfaceID) error {
	if m.ClaimErr != nil {
		return m.ClaimErr
	}
	m.mu.Lock()
	m.claimed[iface] = true
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Release(_ context.Context, iface InterfaceID) error {
	m.mu.Lock()
	delete(m.claimed, iface)
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) ControlTransfer(_ context.Context, requestType, request byte, value, index uint16, payload []byte) error {
	if m.ControlErr != nil {
		return m.ControlErr
	}
	m.mu.Lock()
	m.controls = append(m.controls, ControlRequest{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Payload:     payload,
	})
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) StartPoll(_ context.Context) (<-chan []byte, <-chan error, error) {
	return m.data, m.errs, nil
}

func (m *MockTransport) Strings(_ context.Context) (Description, error) {
	return m.Descr, nil
}

// Emit delivers one raw transfer buffer to the poll channel.
func (m *MockTransport) Emit(p []byte) {
	m.data <- p
}

// EmitError delivers one transfer-level error to the poll channel.
func (m *MockTransport) EmitError(err error) {
	m.errs <- err
}

// Controls returns a copy of every control transfer issued so far.
func (m *MockTransport) Controls() []ControlRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ControlRequest, len(m.controls))
	copy(out, m.controls)
	return out
}

// Opened reports whether the transport is currently open.
func (m *MockTransport) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Claimed reports whether the given interface is currently claimed.
func (m *MockTransport) Claimed(iface InterfaceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed[iface]
}

// MockBackend is an in-memory Backend whose device set tests mutate with
// Attach and Detach.
type MockBackend struct {
	mu         sync.Mutex
	devices    map[string]DeviceInfo
	transports map[string]*MockTransport
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		devices:    make(map[string]DeviceInfo),
		transports: make(map[string]*MockTransport),
	}
}

func (b *MockBackend) Enumerate(_ context.Context) ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeviceInfo, 0, len(b.devices))
	for _, info := range b.devices {
		out = append(out, info)
	}
	return out, nil
}

func (b *MockBackend) Transport(info DeviceInfo) Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.transports[info.Key()]; ok {
		return t
	}
	t := NewMockTransport(info)
	b.transports[info.Key()] = t
	return t
}

func (b *MockBackend) Close() error { return nil }

// Attach adds a device to the simulated bus.
func (b *MockBackend) Attach(info DeviceInfo) {
	b.mu.Lock()
	b.devices[info.Key()] = info
	b.mu.Unlock()
}

// Detach removes a device from the simulated bus.
func (b *MockBackend) Detach(info DeviceInfo) {
	b.mu.Lock()
	delete(b.devices, info.Key())
	b.mu.Unlock()
}
