// Package relay republishes decoded samples over UDP for demo consumers.
// One datagram per sample, JSON encoded; delivery is best effort.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/seagrayinc/quaddaq/internal/daq"
)

// Datagram is the wire form of one relayed sample.
type Datagram struct {
	Device string    `json:"device"`
	AN1    uint16    `json:"an1"`
	AN2    uint16    `json:"an2"`
	AN3    uint16    `json:"an3"`
	AN4    uint16    `json:"an4"`
	At     time.Time `json:"at"`
}

// Relay forwards a session's sample events to a UDP peer.
type Relay struct {
	conn *net.UDPConn
}

// Dial resolves the peer address and binds the relay socket.
func Dial(addr string) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("relay dial %q: %w", addr, err)
	}
	return &Relay{conn: conn}, nil
}

// Forward subscribes to the session and sends one datagram per sample until
// ctx is cancelled. Send failures are logged, not fatal; UDP consumers come
// and go.
func (r *Relay) Forward(ctx context.Context, s *daq.Session) error {
	id, events := s.Subscribe()
	defer s.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Kind != daq.EventSample {
				continue
			}
			d := Datagram{
				Device: s.ID(),
				AN1:    e.Sample.AN1,
				AN2:    e.Sample.AN2,
				AN3:    e.Sample.AN3,
				AN4:    e.Sample.AN4,
				At:     time.Now().UTC(),
			}
			payload, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("relay encode: %w", err)
			}
			if _, err := r.conn.Write(payload); err != nil {
				slog.Warn("relay send failed", slog.String("device", s.ID()), slog.Any("error", err))
			}
		}
	}
}

// Close releases the relay socket.
func (r *Relay) Close() error {
	return r.conn.Close()
}
