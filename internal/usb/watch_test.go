package usb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitNotification(t *testing.T, notes <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-notes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestWatcherReportsInitialScan(t *testing.T) {
	backend := NewMockBackend()
	info := DeviceInfo{VendorID: 0x2341, ProductID: 0x0043, Bus: 2, Address: 5}
	backend.Attach(info)

	w := NewWatcher(backend, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	n := waitNotification(t, w.Notifications())
	assert.Equal(t, Attached, n.Kind)
	assert.Equal(t, info, n.Info)
}

func TestWatcherDiffsAttachDetach(t *testing.T) {
	backend := NewMockBackend()
	w := NewWatcher(backend, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	info := DeviceInfo{VendorID: 0x2341, ProductID: 0x0001, Bus: 3, Address: 9}
	backend.Attach(info)

	n := waitNotification(t, w.Notifications())
	require.Equal(t, Attached, n.Kind)
	require.Equal(t, info, n.Info)

	backend.Detach(info)
	n = waitNotification(t, w.Notifications())
	assert.Equal(t, Detached, n.Kind)
	assert.Equal(t, info, n.Info)
}

func TestWatcherAddressReuse(t *testing.T) {
	backend := NewMockBackend()
	first := DeviceInfo{VendorID: 0x2341, ProductID: 0x0043, Bus: 1, Address: 4}
	backend.Attach(first)

	w := NewWatcher(backend, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	n := waitNotification(t, w.Notifications())
	require.Equal(t, Attached, n.Kind)

	// Same bus position, different hardware: must read as detach + attach.
	second := first
	second.ProductID = 0x0001
	backend.Attach(second)

	n = waitNotification(t, w.Notifications())
	assert.Equal(t, Detached, n.Kind)
	assert.Equal(t, first, n.Info)

	n = waitNotification(t, w.Notifications())
	assert.Equal(t, Attached, n.Kind)
	assert.Equal(t, second, n.Info)
}

func TestWatcherClosesNotificationsOnCancel(t *testing.T) {
	backend := NewMockBackend()
	w := NewWatcher(backend, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, ok := <-w.Notifications()
	assert.False(t, ok)
}

func TestDeviceInfoKey(t *testing.T) {
	info := DeviceInfo{VendorID: 0x2341, ProductID: 0x0043, Bus: 3, Address: 12}
	assert.Equal(t, "3.12", info.Key())
	assert.Equal(t, "2341:0043@3.12", info.String())
}
