// Package notify turns lock state changes into desktop notifications.
//
// Delivery is asynchronous and best effort: a Dispatcher queues messages
// and hands them to a Notifier on its own goroutine. The first delivery
// failure disables the dispatcher with a single warning, so a missing
// notification daemon costs one log line rather than one per session.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"keylock/internal/coordinator"
)

// Urgency follows the freedesktop notification levels.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Message is one notification.
type Message struct {
	Summary string
	Body    string
	Icon    string
	Urgency Urgency
}

// Notifier delivers messages.
type Notifier interface {
	Notify(Message) error
	Close() error
}

const queueSize = 8

// Dispatcher queues messages for a Notifier.
type Dispatcher struct {
	notifier Notifier
	log      *slog.Logger

	queue chan Message
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	disabled bool
	dropped  int
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(n Notifier, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		notifier: n,
		log:      log.With("component", "notify"),
		queue:    make(chan Message, queueSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Send queues m. It never blocks; when the queue is full or the dispatcher
// is disabled the message is dropped and false is returned.
func (d *Dispatcher) Send(m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.disabled {
		return false
	}
	select {
	case d.queue <- m:
		return true
	default:
		d.dropped++
		return false
	}
}

// Disabled reports whether a delivery failure switched the dispatcher off.
func (d *Dispatcher) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

// Dropped returns how many messages were discarded because the queue was
// full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close drains queued messages and closes the notifier.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.notifier.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		if d.Disabled() {
			continue
		}
		if err := d.notifier.Notify(m); err != nil {
			d.mu.Lock()
			d.disabled = true
			d.mu.Unlock()
			d.log.Warn("desktop notifications disabled", "error", err)
		}
	}
}

// Listener returns a coordinator listener that notifies on lock, unlock
// and lock failure.
func (d *Dispatcher) Listener() coordinator.Listener {
	return func(ev coordinator.Event) {
		if m, ok := MessageFor(ev); ok {
			d.Send(m)
		}
	}
}

// MessageFor builds the notification for ev. ok is false for events that
// are not announced.
func MessageFor(ev coordinator.Event) (m Message, ok bool) {
	device := ""
	if ev.Session != nil {
		device = ev.Session.Device
	}
	switch ev.Kind {
	case coordinator.EventLocked:
		return Message{
			Summary: "Keyboard locked",
			Body:    fmt.Sprintf("%s is locked. Press %s to unlock.", device, ev.Snapshot.Chord),
			Icon:    "changes-prevent",
			Urgency: UrgencyNormal,
		}, true
	case coordinator.EventUnlocked:
		m := Message{
			Summary: "Keyboard unlocked",
			Body:    fmt.Sprintf("%s is released.", device),
			Icon:    "changes-allow",
			Urgency: UrgencyLow,
		}
		if ev.Session != nil && ev.Session.Err != nil {
			m.Body = fmt.Sprintf("%s was released after an error: %v", device, ev.Session.Err)
			m.Urgency = UrgencyCritical
		}
		return m, true
	case coordinator.EventLockFailed:
		body := fmt.Sprintf("Could not lock %s.", device)
		if ev.Session != nil && ev.Session.Err != nil {
			body = ev.Session.Err.Error()
		}
		return Message{
			Summary: "Lock failed",
			Body:    body,
			Icon:    "dialog-error",
			Urgency: UrgencyCritical,
		}, true
	}
	return Message{}, false
}
