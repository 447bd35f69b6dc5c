package usb

import (
	"context"
	"log/slog"
	"time"
)

// NotificationKind distinguishes attach from detach.
type NotificationKind int

const (
	Attached NotificationKind = iota
	Detached
)

func (k NotificationKind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// Notification reports one device arriving on or leaving the bus.
type Notification struct {
	Kind NotificationKind
	Info DeviceInfo
}

// Watcher turns repeated bus enumeration into attach/detach notifications.
// libusb exposes no hotplug callback through gousb, so presence is diffed
// against the previous scan on a fixed interval. The first scan reports
// every device already present as attached.
type Watcher struct {
	backend  Backend
	interval time.Duration
	notes    chan Notification
}

const DefaultPollInterval = 500 * time.Millisecond

func NewWatcher(backend Backend, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		backend:  backend,
		interval: interval,
		notes:    make(chan Notification),
	}
}

// Notifications returns the stream of attach/detach events. The channel is
// closed when Run returns.
func (w *Watcher) Notifications() <-chan Notification {
	return w.notes
}

// Run polls the bus until ctx is cancelled. Notifications for one scan are
// delivered in order: detaches first, then attaches.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.notes)

	seen := make(map[string]DeviceInfo)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.scan(ctx, seen); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scan(ctx context.Context, seen map[string]DeviceInfo) error {
	infos, err := w.backend.Enumerate(ctx)
	if err != nil {
		// A transient enumeration failure should not tear the watcher
		// down; the next tick retries.
		slog.Warn("bus enumeration failed", slog.Any("error", err))
		return nil
	}

	present := make(map[string]DeviceInfo, len(infos))
	for _, info := range infos {
		present[info.Key()] = info
	}

	for key, info := range seen {
		if _, ok := present[key]; ok {
			continue
		}
		delete(seen, key)
		if err := w.notify(ctx, Notification{Kind: Detached, Info: info}); err != nil {
			return err
		}
	}
	for key, info := range present {
		if prev, ok := seen[key]; ok {
			if prev == info {
				continue
			}
			// Address reused by a different device between scans; surface
			// as a detach of the old one followed by an attach.
			if err := w.notify(ctx, Notification{Kind: Detached, Info: prev}); err != nil {
				return err
			}
		}
		seen[key] = info
		if err := w.notify(ctx, Notification{Kind: Attached, Info: info}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) notify(ctx context.Context, n Notification) error {
	select {
	case w.notes <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
