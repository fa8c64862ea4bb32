// Package session orchestrates device selection, stream acquisition and
// recording for one interactive user session.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"WebCamRecorder/internal/capture"
	"WebCamRecorder/internal/device"
	"WebCamRecorder/internal/media"
	"WebCamRecorder/internal/recorder"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("session controller closed")

// Host is everything the controller needs from the capture host.
type Host interface {
	media.Enumerator
	media.StreamRequester
	media.EncoderFactory
}

// Options configures a Controller.
type Options struct {
	MimeType string
	Logger   *zap.Logger
}

// ArtifactRef describes the current artifact to the presentation layer.
type ArtifactRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// Snapshot is the presentation-facing view of the session.
type Snapshot struct {
	AudioOptions []device.Option `json:"audioOptions"`
	VideoOptions []device.Option `json:"videoOptions"`
	Selection    media.Selection `json:"selection"`
	State        recorder.State  `json:"state"`
	Artifact     *ArtifactRef    `json:"artifact"`
	Error        string          `json:"error,omitempty"`
}

// Controller owns the device selection and gates the recorder against the
// current capture session.
type Controller struct {
	catalog  *device.Catalog
	capture  *capture.Session
	recorder *recorder.Recorder
	log      *zap.Logger

	// opMu serializes the user operations so a start cannot land on a
	// stream that a concurrent selection is tearing down.
	opMu sync.Mutex

	mu        sync.Mutex
	selection media.Selection
	options   device.Options
	lastErr   error
	recErr    error // last recorder failure moved into lastErr
	closed    bool
}

func New(host Host, sink capture.PreviewSink, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		catalog:  device.NewCatalog(host),
		capture:  capture.NewSession(host, sink, logger.Named("capture")),
		recorder: recorder.New(host, opts.MimeType, logger.Named("recorder")),
		log:      logger,
		options:  device.Options{Audio: []device.Option{}, Video: []device.Option{}},
	}
}

// Mount acquires the default devices and populates the option lists.
func (c *Controller) Mount(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sel := c.selection
	c.mu.Unlock()
	c.refresh(ctx, sel)
	return nil
}

// SelectAudioDevice switches the microphone.
func (c *Controller) SelectAudioDevice(ctx context.Context, id string) error {
	return c.selectDevice(ctx, func(sel *media.Selection) { sel.AudioDeviceID = id })
}

// SelectVideoDevice switches the camera.
func (c *Controller) SelectVideoDevice(ctx context.Context, id string) error {
	return c.selectDevice(ctx, func(sel *media.Selection) { sel.VideoDeviceID = id })
}

func (c *Controller) selectDevice(ctx context.Context, update func(*media.Selection)) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	update(&c.selection)
	sel := c.selection
	c.mu.Unlock()

	// finish the running recording on the old devices before switching
	if c.recorder.State() == recorder.Recording {
		c.log.Info("selection changed while recording, stopping recording")
		if err := c.recorder.Stop(ctx); err != nil {
			c.setError(err)
			return err
		}
	}

	c.refresh(ctx, sel)
	return nil
}

// refresh re-acquires the stream for sel and re-enumerates devices.
// Failures land in the error state and never abort the session. After a
// failed acquisition the option lists are left as they were.
func (c *Controller) refresh(ctx context.Context, sel media.Selection) {
	_, err := c.capture.Acquire(ctx, sel)
	switch {
	case errors.Is(err, capture.ErrSuperseded), errors.Is(err, capture.ErrClosed):
		return
	case err != nil:
		c.log.Warn("stream acquisition failed", zap.Error(err))
		c.setError(err)
		return
	}
	c.setError(nil)

	opts, err := c.catalog.Options(ctx)
	if err != nil {
		c.log.Warn("device enumeration failed", zap.Error(err))
		c.setError(err)
		return
	}
	c.mu.Lock()
	c.options = opts
	c.mu.Unlock()
}

// StartRecording starts recording the live stream. Without a live stream it
// does nothing.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	stream := c.capture.Current()
	if stream == nil {
		c.log.Debug("start ignored", zap.Error(media.ErrNoActiveStream))
		return nil
	}
	if err := c.recorder.Start(ctx, stream); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.recErr = c.recorder.Err()
		c.mu.Unlock()
		return err
	}
	return nil
}

// StopRecording stops the recording and assembles the artifact.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := c.recorder.Stop(ctx); err != nil {
		c.setError(err)
		return err
	}
	c.mu.Lock()
	c.adoptRecorderErr()
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current presentation state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		AudioOptions: append([]device.Option{}, c.options.Audio...),
		VideoOptions: append([]device.Option{}, c.options.Video...),
		Selection:    c.selection,
	}
	c.adoptRecorderErr()
	lastErr := c.lastErr
	c.mu.Unlock()

	if lastErr != nil {
		snap.Error = lastErr.Error()
	}
	snap.State = c.recorder.State()
	if a := c.recorder.Artifact(); a != nil {
		snap.Artifact = &ArtifactRef{ID: a.ID, MimeType: a.MimeType, Size: len(a.Data)}
	}
	return snap
}

// Err returns the error state.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adoptRecorderErr()
	return c.lastErr
}

// Artifact returns the current artifact when id names it.
func (c *Controller) Artifact(id string) (*recorder.Artifact, bool) {
	a := c.recorder.Artifact()
	if a == nil || a.ID != id {
		return nil, false
	}
	return a, true
}

// Current returns the live stream, or nil.
func (c *Controller) Current() media.Stream {
	return c.capture.Current()
}

// Close discards any running recording and releases the devices.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	discardErr := c.recorder.Discard(ctx)
	return errors.Join(discardErr, c.capture.Close())
}

// adoptRecorderErr moves a new recorder failure into the error state once,
// so a later successful acquisition can clear it. Callers hold mu.
func (c *Controller) adoptRecorderErr() {
	if err := c.recorder.Err(); err != nil && err != c.recErr {
		c.recErr = err
		c.lastErr = err
	}
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
