package daq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/quaddaq/internal/usb"
)

func newTestRegistry(t *testing.T) (*Registry, *usb.MockBackend, chan usb.Notification, <-chan RegistryEvent) {
	t.Helper()
	backend := usb.NewMockBackend()
	r := NewRegistry(backend)
	id, events := r.Subscribe()
	t.Cleanup(func() { r.Unsubscribe(id) })

	notes := make(chan usb.Notification)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx, notes)

	return r, backend, notes, events
}

func waitRegistryEvent(t *testing.T, events <-chan RegistryEvent) RegistryEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registry event")
		return RegistryEvent{}
	}
}

func TestRegistryTracksSupportedDevice(t *testing.T) {
	r, _, notes, events := newTestRegistry(t)

	notes <- usb.Notification{Kind: usb.Attached, Info: testInfo}

	e := waitRegistryEvent(t, events)
	assert.Equal(t, DeviceConnected, e.Kind)
	require.NotNil(t, e.Session)
	assert.Equal(t, testInfo.Key(), e.Session.ID())

	assert.Equal(t, []string{testInfo.Key()}, r.DeviceIDs())
	got, ok := r.Lookup(testInfo.Key())
	require.True(t, ok)
	assert.Same(t, e.Session, got)
}

func TestRegistryRejectsUnsupportedDevice(t *testing.T) {
	r, _, notes, events := newTestRegistry(t)

	notes <- usb.Notification{Kind: usb.Attached, Info: usb.DeviceInfo{
		VendorID: 0x046D, ProductID: 0xC077, Bus: 1, Address: 3, // a mouse
	}}

	select {
	case e := <-events:
		t.Fatalf("unexpected registry event %v", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, r.DeviceIDs())
}

func TestRegistryDeduplicatesByInstance(t *testing.T) {
	r, _, notes, events := newTestRegistry(t)

	notes <- usb.Notification{Kind: usb.Attached, Info: testInfo}
	notes <- usb.Notification{Kind: usb.Attached, Info: testInfo}

	waitRegistryEvent(t, events)
	select {
	case e := <-events:
		t.Fatalf("duplicate attach produced second %v event", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, r.DeviceIDs(), 1)
}

func TestRegistryDetachMarksSessionDisconnected(t *testing.T) {
	r, _, notes, events := newTestRegistry(t)

	notes <- usb.Notification{Kind: usb.Attached, Info: testInfo}
	connected := waitRegistryEvent(t, events)
	session := connected.Session

	notes <- usb.Notification{Kind: usb.Detached, Info: testInfo}
	disconnected := waitRegistryEvent(t, events)
	assert.Equal(t, DeviceDisconnected, disconnected.Kind)
	assert.Same(t, session, disconnected.Session)

	assert.Empty(t, r.DeviceIDs())
	assert.False(t, session.Connected())
	require.ErrorIs(t, session.Start(context.Background()), ErrNotConnected)
}

func TestRegistryDetachOfUnknownDeviceIgnored(t *testing.T) {
	r, _, notes, events := newTestRegistry(t)

	notes <- usb.Notification{Kind: usb.Detached, Info: testInfo}

	select {
	case e := <-events:
		t.Fatalf("unexpected registry event %v", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, r.DeviceIDs())
}

func TestRegistryWatchPicksUpBus(t *testing.T) {
	backend := usb.NewMockBackend()
	backend.Attach(testInfo)

	r := NewRegistry(backend)
	id, events := r.Subscribe()
	defer r.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx, 10*time.Millisecond)

	e := waitRegistryEvent(t, events)
	assert.Equal(t, DeviceConnected, e.Kind)

	backend.Detach(testInfo)
	e = waitRegistryEvent(t, events)
	assert.Equal(t, DeviceDisconnected, e.Kind)
}
