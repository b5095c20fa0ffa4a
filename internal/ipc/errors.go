package ipc

import (
	"errors"
	"fmt"

	"keylock/internal/coordinator"
)

var (
	// ErrNotConnected is returned by client calls made without a connection.
	ErrNotConnected = errors.New("not connected to keylockd")

	// ErrTimeout is returned when the daemon does not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrPermissionDenied is returned for peers that may not use the socket.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable is returned when a feature is disabled in the daemon.
	ErrUnavailable = errors.New("not available")
)

// RemoteError is an error reported by the daemon. It unwraps to the
// matching sentinel so callers can use errors.Is across the socket.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeAlreadyLocked:
		return coordinator.ErrAlreadyLocked
	case CodeNotLocked:
		return coordinator.ErrNotLocked
	case CodeNoDevice:
		return coordinator.ErrNoDevice
	case CodeUnknownDevice:
		return coordinator.ErrUnknownDevice
	case CodeShuttingDown:
		return coordinator.ErrClosed
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeUnavailable:
		return ErrUnavailable
	}
	return nil
}

// codeFor maps a daemon-side error to its wire code.
func codeFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrAlreadyLocked):
		return CodeAlreadyLocked
	case errors.Is(err, coordinator.ErrNotLocked):
		return CodeNotLocked
	case errors.Is(err, coordinator.ErrNoDevice):
		return CodeNoDevice
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, coordinator.ErrClosed):
		return CodeShuttingDown
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

func errorMessageFor(requestID uint32, err error) *Message {
	return NewErrorMessage(requestID, codeFor(err), err.Error())
}

func remoteError(msg *Message) error {
	var resp ErrorResponse
	if err := Decode(msg.Payload, &resp); err != nil {
		return fmt.Errorf("malformed error response: %w", err)
	}
	return &RemoteError{Code: resp.Code, Message: resp.Message}
}
