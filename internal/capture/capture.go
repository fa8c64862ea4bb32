// Package capture owns the live stream acquired for a device selection.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"WebCamRecorder/internal/media"
)

var (
	// ErrSuperseded means a newer acquisition request replaced this one.
	ErrSuperseded = errors.New("acquisition superseded")
	// ErrClosed means the session was torn down.
	ErrClosed = errors.New("capture session closed")
)

// PreviewSink displays a live stream. It holds a non-owning reference and
// must never stop the stream's tracks. Bind(nil) clears the display.
type PreviewSink interface {
	Bind(stream media.Stream)
}

// Session holds at most one live stream at a time.
type Session struct {
	host media.StreamRequester
	sink PreviewSink
	log  *zap.Logger

	// acquireMu serializes acquisitions.
	acquireMu sync.Mutex

	mu      sync.Mutex
	latest  uint64
	current media.Stream
	closed  bool
}

func NewSession(host media.StreamRequester, sink PreviewSink, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{host: host, sink: sink, log: logger}
}

// Acquire replaces the current stream with one for sel. The previous stream's
// tracks are stopped before the request is made. When several calls overlap
// the latest one wins and the others return ErrSuperseded.
func (s *Session) Acquire(ctx context.Context, sel media.Selection) (media.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.latest++
	ticket := s.latest
	s.mu.Unlock()

	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	if !s.holds(ticket) {
		return nil, ErrSuperseded
	}

	s.release()

	stream, err := s.host.RequestStream(ctx, sel)
	if err != nil && !s.holds(ticket) {
		return nil, ErrSuperseded
	}
	if err != nil {
		var ce *media.CaptureError
		if !errors.As(err, &ce) {
			err = media.NewCaptureError(media.CauseAbort, err)
		}
		s.log.Warn("stream acquisition failed",
			zap.String("audio", sel.AudioDeviceID),
			zap.String("video", sel.VideoDeviceID),
			zap.Error(err))
		return nil, fmt.Errorf("acquire stream: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.latest != ticket {
		closed := s.closed
		s.mu.Unlock()
		if err := media.StopTracks(stream); err != nil {
			s.log.Warn("stop superseded stream", zap.String("stream", stream.ID()), zap.Error(err))
		}
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrSuperseded
	}
	s.current = stream
	s.mu.Unlock()

	s.log.Info("stream acquired", zap.String("stream", stream.ID()), zap.Int("tracks", len(stream.Tracks())))
	if s.sink != nil {
		s.sink.Bind(stream)
	}
	return stream, nil
}

// Current returns the live stream, or nil.
func (s *Session) Current() media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close stops the live stream and unbinds the preview.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	err := s.release()
	if s.sink != nil {
		s.sink.Bind(nil)
	}
	return err
}

func (s *Session) holds(ticket uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.latest == ticket
}

// release stops and discards the current stream. Callers hold acquireMu.
func (s *Session) release() error {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev == nil {
		return nil
	}
	err := media.StopTracks(prev)
	if err != nil {
		s.log.Warn("stop previous stream", zap.String("stream", prev.ID()), zap.Error(err))
	}
	return err
}
