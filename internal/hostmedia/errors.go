package hostmedia

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"WebCamRecorder/internal/media"
)

// classify maps a driver or OS failure onto a getUserMedia-style cause.
func classify(err error) *media.CaptureError {
	var ce *media.CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	return media.NewCaptureError(causeOf(err), err)
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return media.CauseNotAllowed
	case errors.Is(err, syscall.EBUSY):
		return media.CauseNotReadable
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return media.CauseNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return media.CauseAbort
	}

	// mediadevices reports most failures as plain strings
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return media.CauseNotAllowed
	case strings.Contains(msg, "busy"):
		return media.CauseNotReadable
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return media.CauseNotFound
	case strings.Contains(msg, "constraint"):
		return media.CauseOverconstrained
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"):
		return media.CauseNotSupported
	default:
		return media.CauseAbort
	}
}
