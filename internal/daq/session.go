package daq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/seagrayinc/quaddaq/internal/usb"
)

// State is the lifecycle position of a session.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	}
	return "invalid"
}

// EventKind labels the notifications a session publishes.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventStarted
	EventStopped
	EventDisconnected
	EventSample
	EventRawData
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventDisconnected:
		return "disconnected"
	case EventSample:
		return "sample"
	case EventRawData:
		return "rawdata"
	case EventError:
		return "error"
	}
	return "invalid"
}

// Event is one session notification. Sample is set for EventSample, Raw for
// EventRawData and Err for EventError; the lifecycle kinds carry nothing.
type Event struct {
	Kind   EventKind
	Sample Sample
	Raw    []byte
	Err    error
}

// subscriberBuffer sizes each subscriber channel. Delivery is non-blocking;
// a subscriber that falls this far behind loses events rather than stalling
// the read pump.
const subscriberBuffer = 64

// Session owns the lifecycle of one attached sampler board. All operations
// are serialized by the session itself: a guard violation (Start before
// Open completed, anything after disconnect) fails deterministically.
//
// Every operation reports its outcome exactly once, both as the returned
// error and as a single published event.
type Session struct {
	transport usb.Transport

	mu           sync.Mutex
	state        State
	disconnected bool
	pumpCancel   context.CancelFunc

	subMu sync.Mutex
	subs  map[string]chan Event
}

// NewSession wraps an unopened transport. The registry is the usual caller;
// constructing one directly is fine when the device is already known.
func NewSession(t usb.Transport) *Session {
	return &Session{
		transport: t,
		subs:      make(map[string]chan Event),
	}
}

// ID returns the bus-instance identifier of the underlying device.
func (s *Session) ID() string { return s.transport.Info().Key() }

// Info returns the identity of the underlying device.
func (s *Session) Info() usb.DeviceInfo { return s.transport.Info() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the physical device is still present.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnected
}

// Subscribe registers a new event consumer and returns its id and channel.
// The channel is closed on Unsubscribe.
func (s *Session) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes a consumer registered with Subscribe.
func (s *Session) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Session) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Do not let one stalled subscriber block the pump.
		}
	}
}

// fail publishes the single error notification for a rejected or failed
// operation and returns the same error to the caller.
func (s *Session) fail(err error) error {
	s.publish(Event{Kind: EventError, Err: err})
	return err
}

// Open acquires the transport, claims the control and data interfaces and
// starts the read pump. Valid only while connected; calling Open on a
// session that is already open or running is a no-op with no event.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.fail(ErrNotConnected)
	}
	if s.state != StateClosed {
		s.mu.Unlock()
		return nil
	}

	detached, err := s.transport.Open(ctx)
	if err != nil {
		s.mu.Unlock()
		return s.fail(&TransportError{Op: "open", Err: err})
	}
	if detached {
		slog.Debug("kernel driver detached", slog.String("device", s.ID()))
	}

	for _, iface := range []usb.InterfaceID{usb.InterfaceControl, usb.InterfaceData} {
		if err := s.transport.Claim(ctx, iface); err != nil {
			if cerr := s.transport.Close(); cerr != nil {
				slog.Warn("transport close after failed claim", slog.String("device", s.ID()), slog.Any("error", cerr))
			}
			s.mu.Unlock()
			return s.fail(&TransportError{Op: "claim", Err: err})
		}
	}

	// The pump outlives the Open call; it stops on Close or disconnect.
	pumpCtx, cancel := context.WithCancel(context.Background())
	data, errs, err := s.transport.StartPoll(pumpCtx)
	if err != nil {
		cancel()
		if cerr := s.transport.Close(); cerr != nil {
			slog.Warn("transport close after failed poll start", slog.String("device", s.ID()), slog.Any("error", cerr))
		}
		s.mu.Unlock()
		return s.fail(&TransportError{Op: "poll", Err: err})
	}
	s.pumpCancel = cancel
	go s.pump(pumpCtx, data, errs)

	s.state = StateOpen
	s.mu.Unlock()

	s.publish(Event{Kind: EventOpened})
	return nil
}

// Start asserts the line state so the firmware begins streaming samples.
// Valid only from the open state while connected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.fail(ErrNotConnected)
	}
	if s.state != StateOpen {
		s.mu.Unlock()
		return s.fail(ErrNotOpen)
	}
	if err := s.transport.ControlTransfer(ctx, controlRequestType, setControlLineState, lineStateAssert, 0, nil); err != nil {
		s.mu.Unlock()
		return s.fail(&TransportError{Op: "start", Err: err})
	}
	s.state = StateRunning
	s.mu.Unlock()

	s.publish(Event{Kind: EventStarted})
	return nil
}

// Stop deasserts the line state. Valid from running or open while
// connected; from open it only repeats the deassert signaling.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.fail(ErrNotConnected)
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return s.fail(ErrNotOpen)
	}
	if err := s.transport.ControlTransfer(ctx, controlRequestType, setControlLineState, lineStateDeassert, 0, nil); err != nil {
		s.mu.Unlock()
		return s.fail(&TransportError{Op: "stop", Err: err})
	}
	s.state = StateOpen
	s.mu.Unlock()

	s.publish(Event{Kind: EventStopped})
	return nil
}

// Close stops streaming if running, releases the interfaces and the
// transport, and returns the session to the closed state. Closing an
// already closed or disconnected session succeeds immediately.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed || s.disconnected {
		s.mu.Unlock()
		return nil
	}

	if s.state == StateRunning {
		// Deassert before teardown. A stop failure here is reported but
		// does not abort the close.
		if err := s.transport.ControlTransfer(ctx, controlRequestType, setControlLineState, lineStateDeassert, 0, nil); err != nil {
			slog.Warn("stop during close failed", slog.String("device", s.ID()), slog.Any("error", err))
		} else {
			s.state = StateOpen
			s.publish(Event{Kind: EventStopped})
		}
	}

	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}

	var firstErr error
	for _, iface := range []usb.InterfaceID{usb.InterfaceData, usb.InterfaceControl} {
		if err := s.transport.Release(ctx, iface); err != nil && firstErr == nil {
			firstErr = &TransportError{Op: "release", Err: err}
		}
	}
	if err := s.transport.Close(); err != nil && firstErr == nil {
		firstErr = &TransportError{Op: "close", Err: err}
	}

	s.state = StateClosed
	s.mu.Unlock()

	if firstErr != nil {
		return s.fail(firstErr)
	}
	s.publish(Event{Kind: EventClosed})
	return nil
}

// markDisconnected records that the physical device is gone. Called by the
// registry on detach, never by users. No transport resources are released;
// there is nothing left to release. Subsequent operations other than Close
// observe ErrNotConnected.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}
	s.mu.Unlock()

	s.publish(Event{Kind: EventDisconnected})
}

// Describe fetches the manufacturer, product and serial string descriptors.
// Purely informational; requires an open session.
func (s *Session) Describe(ctx context.Context) (usb.Description, error) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return usb.Description{}, ErrNotConnected
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return usb.Description{}, ErrNotOpen
	}
	s.mu.Unlock()

	d, err := s.transport.Strings(ctx)
	if err != nil {
		return usb.Description{}, &TransportError{Op: "strings", Err: err}
	}
	return d, nil
}

// pump republishes every arriving transfer buffer and its decoded records.
// Transfer errors become error events; they do not end the session.
func (s *Session) pump(ctx context.Context, data <-chan []byte, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-data:
			if !ok {
				return
			}
			s.publish(Event{Kind: EventRawData, Raw: buf})
			for _, r := range Decode(buf) {
				if r.Err != nil {
					s.publish(Event{Kind: EventError, Err: r.Err})
					continue
				}
				s.publish(Event{Kind: EventSample, Sample: r.Sample})
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.publish(Event{Kind: EventError, Err: &TransportError{Op: "read", Err: err}})
		}
	}
}
