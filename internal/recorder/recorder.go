// Package recorder buffers encoded chunks of a live stream and assembles
// them into a downloadable artifact.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"WebCamRecorder/internal/media"
)

// DefaultMimeType tags assembled artifacts unless configured otherwise.
const DefaultMimeType = "video/x-matroska;codecs=avc1,opus"

// State represents the recording state.
type State int

const (
	// Idle means not recording
	Idle State = iota
	// Recording means chunks are being buffered
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Artifact is one assembled recording.
type Artifact struct {
	ID        string
	MimeType  string
	Data      []byte
	Chunks    int
	CreatedAt time.Time
}

// attempt is one recording from Start until its encoder's events are drained.
type attempt struct {
	enc       media.Encoder
	done      chan struct{}
	failed    bool
	discarded bool
}

// Recorder owns the chunk buffer and the current artifact.
type Recorder struct {
	factory  media.EncoderFactory
	mimeType string
	log      *zap.Logger

	// opMu serializes Start, Stop and Discard.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	active   *attempt
	chunks   [][]byte
	artifact *Artifact
	err      error
}

func New(factory media.EncoderFactory, mimeType string, logger *zap.Logger) *Recorder {
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{factory: factory, mimeType: mimeType, log: logger}
}

// Start begins recording stream. It is a no-op when already recording or
// when stream is nil.
func (r *Recorder) Start(ctx context.Context, stream media.Stream) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state == Recording || stream == nil {
		r.mu.Unlock()
		return nil
	}
	prev := r.active
	r.mu.Unlock()

	// a previous attempt may still be finalizing after a cancelled Stop
	if prev != nil {
		if err := wait(ctx, prev); err != nil {
			return err
		}
	}

	enc, err := r.factory.NewEncoder(stream)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}

	a := &attempt{enc: enc, done: make(chan struct{})}
	r.mu.Lock()
	r.chunks = [][]byte{}
	r.active = a
	r.state = Recording
	r.err = nil
	r.mu.Unlock()

	go r.consume(a)

	if err := enc.Start(); err != nil {
		r.mu.Lock()
		a.failed = true
		r.state = Idle
		r.chunks = nil
		r.err = err
		r.mu.Unlock()
		if stopErr := enc.Stop(); stopErr != nil {
			r.log.Debug("stop encoder after failed start", zap.Error(stopErr))
		}
		return fmt.Errorf("start encoder: %w", err)
	}

	r.log.Info("recording started", zap.String("stream", stream.ID()))
	return nil
}

// Stop ends the recording and waits until the artifact is assembled.
// It is a no-op when not recording.
func (r *Recorder) Stop(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil
	}
	a := r.active
	r.state = Idle
	r.mu.Unlock()

	if err := a.enc.Stop(); err != nil {
		r.log.Warn("stop encoder", zap.Error(err))
	}
	return wait(ctx, a)
}

// Discard abandons any recording without assembling an artifact.
func (r *Recorder) Discard(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	a := r.active
	if a == nil {
		r.mu.Unlock()
		return nil
	}
	a.discarded = true
	r.state = Idle
	r.chunks = nil
	r.mu.Unlock()

	if err := a.enc.Stop(); err != nil {
		r.log.Warn("stop encoder", zap.Error(err))
	}
	return wait(ctx, a)
}

// State returns the recording state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Artifact returns the current artifact, or nil.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Err returns the error that ended the last attempt, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// consume is the single subscriber of a's encoder events.
func (r *Recorder) consume(a *attempt) {
	defer close(a.done)

	for ev := range a.enc.Events() {
		r.mu.Lock()
		switch {
		case a.failed || a.discarded:
		case ev.Err != nil:
			a.failed = true
			r.chunks = nil
			r.err = fmt.Errorf("encoder: %w", ev.Err)
			if r.active == a {
				r.state = Idle
			}
			r.log.Error("recording failed", zap.Error(ev.Err))
		case len(ev.Data) > 0:
			r.chunks = append(r.chunks, ev.Data)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !a.failed && !a.discarded {
		r.assemble()
	}
	r.chunks = nil
	if r.active == a {
		r.active = nil
		r.state = Idle
	}
}

// assemble turns the buffered chunks into the current artifact. Callers
// hold mu.
func (r *Recorder) assemble() {
	if len(r.chunks) == 0 {
		return
	}
	r.artifact = &Artifact{
		ID:        xid.New().String(),
		MimeType:  r.mimeType,
		Data:      bytes.Join(r.chunks, nil),
		Chunks:    len(r.chunks),
		CreatedAt: time.Now(),
	}
	r.chunks = nil
	r.log.Info("artifact assembled",
		zap.String("artifact", r.artifact.ID),
		zap.Int("chunks", r.artifact.Chunks),
		zap.Int("bytes", len(r.artifact.Data)))
}

func wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
