// Package hostmedia implements the capture host on top of pion/mediadevices:
// device enumeration, stream acquisition and Matroska recording.
package hostmedia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/openh264"
	"github.com/pion/mediadevices/pkg/codec/opus" // This is required to use opus audio encoder
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter

	"WebCamRecorder/internal/media"
)

var errNoDrivers = errors.New("no capture drivers registered")

// Options configures the host.
type Options struct {
	VideoWidth   int
	VideoHeight  int
	VideoBitRate int
	AudioBitRate int
	// Timeslice is how often buffered recording bytes are emitted as a chunk.
	Timeslice time.Duration
	Logger    *zap.Logger
}

// Host talks to the local cameras and microphones.
type Host struct {
	opts      Options
	selector  *mediadevices.CodecSelector
	videoMime string
	audioMime string
	log       *zap.Logger
}

func New(opts Options) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = time.Second
	}

	h264Params, err := openh264.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create openh264 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		h264Params.BitRate = opts.VideoBitRate
	}
	h264Params.KeyFrameInterval = 60

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create opus params: %w", err)
	}
	if opts.AudioBitRate > 0 {
		opusParams.BitRate = opts.AudioBitRate
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&h264Params),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &Host{
		opts:      opts,
		selector:  selector,
		videoMime: h264Params.RTPCodec().MimeType,
		audioMime: opusParams.RTPCodec().MimeType,
		log:       opts.Logger,
	}, nil
}

// CodecSelector returns the encoders tracks are bound with, so peer
// connections can register the same codecs.
func (h *Host) CodecSelector() *mediadevices.CodecSelector {
	return h.selector
}

// EnumerateDevices lists cameras, microphones and speakers in driver order.
func (h *Host) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !available() {
		return nil, media.NewCaptureError(media.CauseNotSupported, errNoDrivers)
	}

	infos := mediadevices.EnumerateDevices()
	devices := make([]media.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		kind, ok := kindOf(info.Kind)
		if !ok {
			continue
		}
		devices = append(devices, media.DeviceInfo{ID: info.DeviceID, Kind: kind, Label: info.Label})
	}
	h.log.Debug("devices enumerated", zap.Int("count", len(devices)))
	return devices, nil
}

// RequestStream opens one microphone and one camera. Empty IDs pick the
// driver's best match.
func (h *Host) RequestStream(ctx context.Context, sel media.Selection) (media.Stream, error) {
	if !available() {
		return nil, media.NewCaptureError(media.CauseNotSupported, errNoDrivers)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if sel.AudioDeviceID != "" {
				c.DeviceID = prop.StringExact(sel.AudioDeviceID)
			}
		},
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if sel.VideoDeviceID != "" {
				c.DeviceID = prop.StringExact(sel.VideoDeviceID)
			}
			c.Width = prop.Int(h.opts.VideoWidth)
			c.Height = prop.Int(h.opts.VideoHeight)
		},
		Codec: h.selector,
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classify(r.err)
		}
		s := newStream(r.stream)
		h.log.Info("user media opened", zap.String("stream", s.ID()), zap.Int("tracks", len(s.tracks)))
		return s, nil
	case <-ctx.Done():
		// the request cannot be interrupted; release whatever it returns
		go func() {
			if r := <-ch; r.err == nil {
				if err := media.StopTracks(newStream(r.stream)); err != nil {
					h.log.Debug("stop abandoned stream", zap.Error(err))
				}
			}
		}()
		return nil, media.NewCaptureError(media.CauseAbort, ctx.Err())
	}
}

// NewEncoder builds a Matroska encoder for a stream opened by this host.
func (h *Host) NewEncoder(s media.Stream) (media.Encoder, error) {
	hs, ok := s.(*stream)
	if !ok {
		return nil, fmt.Errorf("stream %T was not opened by this host", s)
	}
	return newEncoder(hs.tracks, encoderOptions{
		width:     h.opts.VideoWidth,
		height:    h.opts.VideoHeight,
		timeslice: h.opts.Timeslice,
		videoMime: h.videoMime,
		audioMime: h.audioMime,
	}, h.log.Named("encoder")), nil
}

func available() bool {
	drivers := driver.GetManager().Query(func(driver.Driver) bool { return true })
	return len(drivers) > 0
}

func kindOf(t mediadevices.MediaDeviceType) (media.Kind, bool) {
	switch t {
	case mediadevices.AudioInput:
		return media.AudioInput, true
	case mediadevices.VideoInput:
		return media.VideoInput, true
	case mediadevices.AudioOutput:
		return media.AudioOutput, true
	default:
		return 0, false
	}
}
