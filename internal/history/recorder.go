package history

import (
	"context"
	"log/slog"
	"time"

	"keylock/internal/coordinator"
)

// FromEvent converts a session-ending event into a record. ok is false for
// every other kind of event.
func FromEvent(ev coordinator.Event) (r Record, ok bool) {
	if ev.Session == nil {
		return Record{}, false
	}
	if ev.Kind != coordinator.EventUnlocked && ev.Kind != coordinator.EventLockFailed {
		return Record{}, false
	}
	s := ev.Session
	r = Record{
		SessionID: s.ID,
		Device:    s.Device,
		Unlock:    ev.Snapshot.Chord.String(),
		Grabbed:   ev.Kind == coordinator.EventUnlocked,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Reason:    s.Reason.String(),
	}
	if s.Err != nil {
		r.Error = s.Err.Error()
	}
	return r, true
}

// Listener returns a coordinator listener that stores every finished
// session. Write failures are logged and otherwise ignored.
func (s *Store) Listener(log *slog.Logger) coordinator.Listener {
	if log == nil {
		log = slog.Default()
	}
	return func(ev coordinator.Event) {
		r, ok := FromEvent(ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := s.Add(ctx, r); err != nil {
			log.Warn("failed to record session", "session", r.SessionID, "error", err)
		}
	}
}
