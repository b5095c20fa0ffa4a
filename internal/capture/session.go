// Package capture implements the capture session: it grabs one keyboard
// exclusively, polls it without blocking, watches for the unlock chord and
// always releases the grab on the way out.
//
// Lifecycle:
//
//	Idle -> Opening -> Grabbed -> Releasing -> Idle
//
// Open and grab failures go straight back to Idle with an error. Every exit
// from Grabbed passes through Releasing, where the grab is dropped exactly
// once whatever the reason.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"keylock/internal/chord"
	"keylock/internal/input"
)

// DefaultPollInterval is the pause between empty polls. It bounds both CPU
// use and unlock latency.
const DefaultPollInterval = 10 * time.Millisecond

// State is a session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateGrabbed
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateGrabbed:
		return "grabbed"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// Reason says why a session ended.
type Reason int

const (
	// ReasonChord means the unlock chord was typed on the device.
	ReasonChord Reason = iota
	// ReasonUnlock means the controller asked for release.
	ReasonUnlock
	// ReasonShutdown means the owning context was cancelled.
	ReasonShutdown
	// ReasonError means the session failed; Result.Err says how.
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonChord:
		return "chord"
	case ReasonUnlock:
		return "unlock"
	case ReasonShutdown:
		return "shutdown"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is how a session ended.
type Result struct {
	Reason Reason

	// Err is set only when Reason is ReasonError. It is an *OpenError,
	// *GrabError or *ReadError.
	Err error

	// Grabbed records whether the device was ever captured.
	Grabbed bool

	StartedAt time.Time
	EndedAt   time.Time
}

// Config wires a session to its device and its owner.
type Config struct {
	// Path identifies the device to capture.
	Path string

	// Backend opens the device.
	Backend input.Backend

	// UnlockCode returns the current unlock key code. It is called once
	// per non-empty batch, so changes apply to a running session.
	UnlockCode func() uint16

	// Cancel asks the session to release. A single send is enough.
	Cancel <-chan struct{}

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// OnGrabbed runs once the device is exclusively held.
	OnGrabbed func()

	// OnReleased runs last, after the grab is gone and the handle closed.
	OnReleased func(Result)

	Logger *slog.Logger
}

// Session is one capture of one device. It is single use.
type Session struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32
}

// New prepares a session. Nothing touches the device until Run.
func New(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UnlockCode == nil {
		cfg.UnlockCode = func() uint16 { return chord.DefaultCode }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg: cfg,
		log: log.With("component", "capture", "device", cfg.Path),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run captures the device until the chord is typed, Cancel fires, ctx is
// cancelled or the device fails. It blocks for the whole session.
func (s *Session) Run(ctx context.Context) Result {
	res := Result{StartedAt: time.Now()}

	s.setState(StateOpening)
	dev, err := s.cfg.Backend.Open(s.cfg.Path)
	if err != nil {
		res.Reason, res.Err = ReasonError, &OpenError{Path: s.cfg.Path, Err: err}
		return s.finish(res)
	}

	if err := dev.Grab(); err != nil {
		// Closing the handle drops any grab the kernel may still hold.
		if cerr := dev.Close(); cerr != nil {
			s.log.Debug("close after failed grab", "error", cerr)
		}
		res.Reason, res.Err = ReasonError, &GrabError{Path: s.cfg.Path, Err: err}
		return s.finish(res)
	}

	s.setState(StateGrabbed)
	res.Grabbed = true
	s.log.Info("device grabbed")
	if s.cfg.OnGrabbed != nil {
		s.cfg.OnGrabbed()
	}

	res.Reason, res.Err = s.poll(ctx, dev)

	s.setState(StateReleasing)
	s.release(dev)
	return s.finish(res)
}

// poll is the Grabbed loop.
func (s *Session) poll(ctx context.Context, dev input.Device) (Reason, error) {
	var det Detector
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.cfg.Cancel:
			return ReasonUnlock, nil
		case <-ctx.Done():
			return ReasonShutdown, nil
		default:
		}

		events, err := dev.Fetch()
		if errors.Is(err, input.ErrWouldBlock) {
			timer.Reset(s.cfg.PollInterval)
			select {
			case <-timer.C:
			case <-s.cfg.Cancel:
				return ReasonUnlock, nil
			case <-ctx.Done():
				return ReasonShutdown, nil
			}
			continue
		}
		if err != nil {
			return ReasonError, &ReadError{Path: s.cfg.Path, Err: err}
		}

		if det.Feed(events, s.cfg.UnlockCode()) {
			return ReasonChord, nil
		}
	}
}

// release drops the grab and the handle. Both are cleanup steps, so their
// errors are logged and otherwise ignored.
func (s *Session) release(dev input.Device) {
	if err := dev.Ungrab(); err != nil {
		s.log.Debug("ungrab", "error", err)
	}
	if err := dev.Close(); err != nil {
		s.log.Debug("close", "error", err)
	}
}

func (s *Session) finish(res Result) Result {
	res.EndedAt = time.Now()
	s.setState(StateIdle)

	if res.Err != nil {
		s.log.Warn("capture ended", "reason", res.Reason.String(), "error", res.Err)
	} else {
		s.log.Info("device released", "reason", res.Reason.String())
	}
	if s.cfg.OnReleased != nil {
		s.cfg.OnReleased(res)
	}
	return res
}
