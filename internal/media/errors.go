package media

import (
	"errors"
	"fmt"
)

var (
	// ErrPermission means the host denied enumeration or acquisition.
	ErrPermission = errors.New("permission denied")
	// ErrDeviceUnavailable means the requested device is busy or missing.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrPlatformUnsupported means the host lacks capture capability.
	ErrPlatformUnsupported = errors.New("platform unsupported")
	// ErrNoActiveStream means start/stop was requested with no live stream.
	ErrNoActiveStream = errors.New("no active stream")
)

// Host cause names, following the getUserMedia vocabulary.
const (
	CauseNotAllowed      = "NotAllowedError"
	CauseSecurity        = "SecurityError"
	CauseNotFound        = "NotFoundError"
	CauseNotReadable     = "NotReadableError"
	CauseOverconstrained = "OverconstrainedError"
	CauseAbort           = "AbortError"
	CauseNotSupported    = "NotSupportedError"
)

// CaptureError is a failed enumeration or acquisition carrying the host cause.
type CaptureError struct {
	Kind  error
	Cause string
	Err   error
}

// NewCaptureError classifies cause into one of the taxonomy kinds.
func NewCaptureError(cause string, err error) *CaptureError {
	return &CaptureError{Kind: KindOf(cause), Cause: cause, Err: err}
}

// KindOf maps a host cause name onto an error kind.
func KindOf(cause string) error {
	switch cause {
	case CauseNotAllowed, CauseSecurity:
		return ErrPermission
	case CauseNotSupported:
		return ErrPlatformUnsupported
	default:
		return ErrDeviceUnavailable
	}
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Cause, e.Err)
}

// Is reports whether target is the kind of e.
func (e *CaptureError) Is(target error) bool {
	return target == e.Kind
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
