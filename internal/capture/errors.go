package capture

import "fmt"

// OpenError means the device handle could not be opened: the node is gone
// or permission was denied.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// GrabError means exclusive capture was refused, usually because another
// process already holds the device.
type GrabError struct {
	Path string
	Err  error
}

func (e *GrabError) Error() string {
	return fmt.Sprintf("cannot grab %s: %v", e.Path, e.Err)
}

func (e *GrabError) Unwrap() error { return e.Err }

// ReadError ends a session whose device failed mid-capture, typically
// because it was unplugged.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("lost %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
