package relay

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seagrayinc/quaddaq/internal/daq"
	"github.com/seagrayinc/quaddaq/internal/usb"
)

func TestForwardSamplesOverUDP(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	r, err := Dial(listener.LocalAddr().String())
	require.NoError(t, err)
	defer r.Close()

	mock := usb.NewMockTransport(usb.DeviceInfo{VendorID: 0x2341, ProductID: 0x0043, Bus: 1, Address: 2})
	session := daq.NewSession(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, session.Open(ctx))
	require.NoError(t, session.Start(ctx))
	go r.Forward(ctx, session)

	// Subscription races with the emit; give Forward a moment to register.
	time.Sleep(20 * time.Millisecond)
	mock.Emit([]byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x0A})

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 512)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)

	var d Datagram
	require.NoError(t, json.Unmarshal(buf[:n], &d))
	assert.Equal(t, "1.2", d.Device)
	assert.Equal(t, uint16(1), d.AN1)
	assert.Equal(t, uint16(4), d.AN4)
	assert.False(t, d.At.IsZero())
}

func TestDialBadAddress(t *testing.T) {
	_, err := Dial("not-an-address:xyz")
	require.Error(t, err)
}
