// Package device lists host capture devices and turns them into selectable
// option lists.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"WebCamRecorder/internal/media"
)

// Option is one entry of a device picker.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Options holds the audio and video input pickers, in host order.
type Options struct {
	Audio []Option `json:"audio"`
	Video []Option `json:"video"`
}

// Catalog enumerates devices through the host.
type Catalog struct {
	host media.Enumerator
}

func NewCatalog(host media.Enumerator) *Catalog {
	return &Catalog{host: host}
}

// ListDevices returns the host devices in host order.
func (c *Catalog) ListDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	if c.host == nil {
		return nil, media.NewCaptureError(media.CauseNotSupported, errors.New("no device enumerator"))
	}
	devices, err := c.host.EnumerateDevices(ctx)
	if err != nil {
		var ce *media.CaptureError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return devices, nil
}

// Options lists the devices and partitions them.
func (c *Catalog) Options(ctx context.Context) (Options, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return Options{}, err
	}
	return Partition(devices), nil
}

// Partition splits devices into audio-input and video-input options,
// preserving order. Other kinds are dropped.
func Partition(devices []media.DeviceInfo) Options {
	opts := Options{Audio: []Option{}, Video: []Option{}}
	for _, d := range devices {
		switch d.Kind {
		case media.AudioInput:
			opts.Audio = append(opts.Audio, Option{Value: d.ID, Label: DisplayLabel(d)})
		case media.VideoInput:
			opts.Video = append(opts.Video, Option{Value: d.ID, Label: DisplayLabel(d)})
		}
	}
	return opts
}

// DisplayLabel returns the device label, or a synthesized one when the host
// has not revealed it.
func DisplayLabel(d media.DeviceInfo) string {
	label := norm.NFC.String(strings.Trim(d.Label, "\x00 \t"))
	if label != "" {
		return label
	}
	switch d.Kind {
	case media.AudioInput:
		return "Microphone " + d.ID
	case media.VideoInput:
		return "Camera " + d.ID
	default:
		return d.ID
	}
}
