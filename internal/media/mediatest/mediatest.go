// Package mediatest provides in-memory host doubles for tests.
package mediatest

import (
	"context"
	"errors"
	"sync"

	"WebCamRecorder/internal/media"
)

// Track is a fake track counting Stop calls.
type Track struct {
	id   string
	kind media.Kind

	mu    sync.Mutex
	stops int
}

func NewTrack(id string, kind media.Kind) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// Stream is a fake stream with one audio and one video track.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(id string) *Stream {
	return &Stream{
		id: id,
		tracks: []*Track{
			NewTrack(id+"-audio", media.AudioInput),
			NewTrack(id+"-video", media.VideoInput),
		},
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []media.Track {
	tracks := make([]media.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

// Stopped reports whether every track was stopped at least once.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if t.Stops() == 0 {
			return false
		}
	}
	return true
}

// Encoder is a fake encoder driven by the test through Emit and Fail.
type Encoder struct {
	events chan media.EncoderEvent

	// Final is emitted asynchronously after Stop, before the channel closes.
	Final []byte
	// StartErr is returned by Start.
	StartErr error
	// StopErr is returned by Stop.
	StopErr error

	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
}

func NewEncoder() *Encoder {
	return &Encoder{events: make(chan media.EncoderEvent, 64)}
}

func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.started = true
	return nil
}

func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.stopped || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	final, stopErr := e.Final, e.StopErr
	e.mu.Unlock()

	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		if len(final) > 0 {
			e.events <- media.EncoderEvent{Data: final}
		}
		e.closed = true
		close(e.events)
	}()
	return stopErr
}

func (e *Encoder) Events() <-chan media.EncoderEvent { return e.events }

// Emit delivers a chunk notification.
func (e *Encoder) Emit(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- media.EncoderEvent{Data: data}
}

// Fail delivers a fatal error and closes the event channel.
func (e *Encoder) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- media.EncoderEvent{Err: err}
	e.closed = true
	close(e.events)
}

// Started reports whether Start succeeded.
func (e *Encoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stopped reports whether Stop was called.
func (e *Encoder) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Host is a fake host implementing enumeration, stream requests and
// encoder creation.
type Host struct {
	mu sync.Mutex

	Devices []media.DeviceInfo
	EnumErr error

	// Request overrides the default stream request when set.
	Request    func(ctx context.Context, sel media.Selection) (media.Stream, error)
	RequestErr error

	// NextEncoder, when set, is handed out by the next NewEncoder call.
	NextEncoder *Encoder
	EncoderErr  error

	selections []media.Selection
	streams    []*Stream
	encoders   []*Encoder
	encoded    []media.Stream
}

func (h *Host) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.EnumErr != nil {
		return nil, h.EnumErr
	}
	devices := make([]media.DeviceInfo, len(h.Devices))
	copy(devices, h.Devices)
	return devices, nil
}

func (h *Host) RequestStream(ctx context.Context, sel media.Selection) (media.Stream, error) {
	h.mu.Lock()
	h.selections = append(h.selections, sel)
	request, reqErr := h.Request, h.RequestErr
	h.mu.Unlock()

	if request != nil {
		return request(ctx, sel)
	}
	if reqErr != nil {
		return nil, reqErr
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	id := sel.VideoDeviceID
	if id == "" {
		id = "default"
	}
	s := NewStream(id)
	h.streams = append(h.streams, s)
	return s, nil
}

func (h *Host) NewEncoder(stream media.Stream) (media.Encoder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stream == nil {
		return nil, errors.New("mediatest: nil stream")
	}
	if h.EncoderErr != nil {
		return nil, h.EncoderErr
	}
	enc := h.NextEncoder
	h.NextEncoder = nil
	if enc == nil {
		enc = NewEncoder()
	}
	h.encoders = append(h.encoders, enc)
	h.encoded = append(h.encoded, stream)
	return enc, nil
}

// Selections returns every selection passed to RequestStream.
func (h *Host) Selections() []media.Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]media.Selection(nil), h.selections...)
}

// Streams returns the streams handed out by the default request path.
func (h *Host) Streams() []*Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Stream(nil), h.streams...)
}

// LastEncoder returns the most recently created encoder.
func (h *Host) LastEncoder() *Encoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.encoders) == 0 {
		return nil
	}
	return h.encoders[len(h.encoders)-1]
}

// LastEncodedStream returns the stream the last encoder was built for.
func (h *Host) LastEncodedStream() media.Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.encoded) == 0 {
		return nil
	}
	return h.encoded[len(h.encoded)-1]
}

// Sink is a fake preview sink recording every binding.
type Sink struct {
	mu       sync.Mutex
	bindings []media.Stream
}

func (s *Sink) Bind(stream media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, stream)
}

// Bound returns the stream from the last binding.
func (s *Sink) Bound() media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bindings) == 0 {
		return nil
	}
	return s.bindings[len(s.bindings)-1]
}

// Bindings returns how many times Bind was called.
func (s *Sink) Bindings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
