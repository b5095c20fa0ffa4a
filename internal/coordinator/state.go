package coordinator

import (
	"fmt"
	"time"

	"keylock/internal/capture"
	"keylock/internal/chord"
	"keylock/internal/input"
)

// Status is the lock status seen by controllers.
type Status int

const (
	Idle Status = iota
	Locked
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "locked":
		*s = Locked
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// State is the shared session state. It is only touched with the
// Coordinator's mutex held.
type State struct {
	Status    Status
	Chord     chord.Chord
	Devices   []input.DeviceInfo
	Selected  string
	LastError error
}

// Snapshot is a copy of the state taken under the lock, safe to hand out.
type Snapshot struct {
	Status   Status             `json:"status"`
	Error    string             `json:"error,omitempty"`
	Devices  []input.DeviceInfo `json:"devices"`
	Selected string             `json:"selected,omitempty"`
	Chord    chord.Chord        `json:"unlock"`

	// Device is the device of the live session, if any.
	Device string `json:"device,omitempty"`

	// SessionID identifies the live session, if any.
	SessionID uint64 `json:"session_id,omitempty"`
}

// EventKind says what changed.
type EventKind int

const (
	// EventLocked: a session grabbed its device.
	EventLocked EventKind = iota
	// EventUnlocked: a grabbed session released its device.
	EventUnlocked
	// EventLockFailed: a session ended before it could grab.
	EventLockFailed
	EventDevicesChanged
	EventSelectionChanged
	EventChordChanged
)

var eventNames = map[EventKind]string{
	EventLocked:           "locked",
	EventUnlocked:         "unlocked",
	EventLockFailed:       "lock_failed",
	EventDevicesChanged:   "devices_changed",
	EventSelectionChanged: "selection_changed",
	EventChordChanged:     "chord_changed",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// SessionInfo describes a capture session. Reason, Err and EndedAt are
// only meaningful once the session ended.
type SessionInfo struct {
	ID        uint64
	Device    string
	Reason    capture.Reason
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Event is a state change delivered to listeners.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot

	// Session is set for EventLocked, EventUnlocked and EventLockFailed.
	Session *SessionInfo
}

// Listener receives events. All listeners run on one dispatch goroutine,
// in the order the changes happened, so a slow listener delays the rest.
type Listener func(Event)
