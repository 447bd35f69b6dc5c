package daq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seagrayinc/quaddaq/internal/usb"
)

// RegistryEventKind labels registry notifications.
type RegistryEventKind int

const (
	// DeviceConnected announces a newly tracked board and its session.
	DeviceConnected RegistryEventKind = iota
	// DeviceDisconnected announces a board that left the bus. Its session
	// has already been marked disconnected.
	DeviceDisconnected
)

// RegistryEvent is one attach or detach notification.
type RegistryEvent struct {
	Kind    RegistryEventKind
	Session *Session
}

// Registry owns the set of currently attached sampler boards. Candidates
// are screened against the Supported table and deduplicated by bus
// instance, so at most one session (and therefore one transport) exists
// per physical device.
type Registry struct {
	backend usb.Backend

	mu       sync.Mutex
	sessions map[string]*Session

	subMu sync.Mutex
	subs  map[string]chan RegistryEvent
}

func NewRegistry(backend usb.Backend) *Registry {
	return &Registry{
		backend:  backend,
		sessions: make(map[string]*Session),
		subs:     make(map[string]chan RegistryEvent),
	}
}

// Subscribe registers a consumer of attach/detach events.
func (r *Registry) Subscribe() (string, <-chan RegistryEvent) {
	id := uuid.NewString()
	ch := make(chan RegistryEvent, subscriberBuffer)
	r.subMu.Lock()
	r.subs[id] = ch
	r.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes a consumer registered with Subscribe.
func (r *Registry) Unsubscribe(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
}

func (r *Registry) publish(e RegistryEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// DeviceIDs lists the instance identifiers of every tracked board.
func (r *Registry) DeviceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Lookup resolves an identifier from DeviceIDs back to its session.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Run consumes attach/detach notifications until the channel closes or ctx
// is cancelled. Stopping the registry never closes open sessions; that is
// the caller's decision.
func (r *Registry) Run(ctx context.Context, notes <-chan usb.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			switch n.Kind {
			case usb.Attached:
				r.handleAttach(n.Info)
			case usb.Detached:
				r.handleDetach(n.Info)
			}
		}
	}
}

// Watch polls the bus through the registry's backend and feeds Run. The
// first scan reports boards that were already attached.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) error {
	w := usb.NewWatcher(r.backend, interval)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	if err := r.Run(ctx, w.Notifications()); err != nil && ctx.Err() == nil {
		return err
	}
	return <-done
}

func (r *Registry) handleAttach(info usb.DeviceInfo) {
	if !Accepts(info) {
		return
	}

	r.mu.Lock()
	if _, ok := r.sessions[info.Key()]; ok {
		// Already tracked; duplicate notification for the same instance.
		r.mu.Unlock()
		return
	}
	s := NewSession(r.backend.Transport(info))
	r.sessions[info.Key()] = s
	r.mu.Unlock()

	slog.Info("device attached", slog.String("device", info.String()))
	r.publish(RegistryEvent{Kind: DeviceConnected, Session: s})
}

func (r *Registry) handleDetach(info usb.DeviceInfo) {
	r.mu.Lock()
	s, ok := r.sessions[info.Key()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, info.Key())
	r.mu.Unlock()

	s.markDisconnected()
	slog.Info("device detached", slog.String("device", info.String()))
	r.publish(RegistryEvent{Kind: DeviceDisconnected, Session: s})
}
