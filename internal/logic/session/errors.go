package session

import (
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/streamconf"
	"github.com/pkg/errors"
)

// Kind classifies a coordinator failure.
type Kind int

const (
	DeviceUnavailable Kind = iota + 1
	PermissionDenied
	AccessError
	NoSupportedFormat
	SessionConfigFailed
	CaptureBusy
	FrameLost
	PersistFailed
	// Disconnected is the outcome of a request cancelled because the device
	// was closed or lost while it was pending.
	Disconnected
	InvalidState
	InvalidArgument
)

var kindNames = map[Kind]string{
	DeviceUnavailable:   "DeviceUnavailable",
	PermissionDenied:    "PermissionDenied",
	AccessError:         "AccessError",
	NoSupportedFormat:   "NoSupportedFormat",
	SessionConfigFailed: "SessionConfigFailed",
	CaptureBusy:         "CaptureBusy",
	FrameLost:           "FrameLost",
	PersistFailed:       "PersistFailed",
	Disconnected:        "Disconnected",
	InvalidState:        "InvalidState",
	InvalidArgument:     "InvalidArgument",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Recoverable reports whether the coordinator keeps the device open after a
// failure of this kind.
func (k Kind) Recoverable() bool {
	switch k {
	case SessionConfigFailed, CaptureBusy, FrameLost, PersistFailed, InvalidState, InvalidArgument:
		return true
	}
	return false
}

// Error is the error type of every coordinator failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 if err is not a coordinator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// classify maps a backend or lower-layer error onto the taxonomy.
func classify(err error, fallback Kind, msg string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := fallback
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		kind = PermissionDenied
	case errors.Is(err, camera.ErrNoDevice), errors.Is(err, camera.ErrDisconnected):
		kind = DeviceUnavailable
	case errors.Is(err, streamconf.ErrNoSupportedFormat):
		kind = NoSupportedFormat
	case errors.Is(err, camera.ErrAccess):
		kind = AccessError
	}
	return newError(kind, msg, err)
}
