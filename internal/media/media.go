// Package media holds the device, stream and encoder contracts shared by the
// catalog, capture and recorder packages.
package media

import (
	"context"
	"errors"
)

// Kind represents the type of a capture device or track.
type Kind int

const (
	AudioInput Kind = iota + 1
	VideoInput
	AudioOutput
)

func (k Kind) String() string {
	switch k {
	case AudioInput:
		return "audioinput"
	case VideoInput:
		return "videoinput"
	case AudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// DeviceInfo is an immutable snapshot of one host device.
// Label may be empty until the host has been granted permission.
type DeviceInfo struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label"`
}

// Selection picks the devices a stream is acquired from.
// An empty ID means the host default device.
type Selection struct {
	AudioDeviceID string `json:"audioDeviceId"`
	VideoDeviceID string `json:"videoDeviceId"`
}

// Track is one live device track of a Stream.
type Track interface {
	ID() string
	Kind() Kind
	// Stop releases the underlying device.
	Stop() error
}

// Stream is a live stream handle.
type Stream interface {
	ID() string
	Tracks() []Track
}

// StopTracks stops every track of s and joins the failures.
func StopTracks(s Stream) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enumerator lists host capture devices.
type Enumerator interface {
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// StreamRequester acquires live streams from the host.
type StreamRequester interface {
	RequestStream(ctx context.Context, sel Selection) (Stream, error)
}

// EncoderEvent is one notification of an Encoder. Exactly one of Data and
// Err is set.
type EncoderEvent struct {
	Data []byte
	Err  error
}

// Encoder is the host's encoding pipeline for one recording attempt.
//
// Events delivers chunks in order. The channel is closed after the final
// chunk once Stop has been called, or right after an Err event.
type Encoder interface {
	Start() error
	Stop() error
	Events() <-chan EncoderEvent
}

// EncoderFactory builds an Encoder consuming a live stream.
type EncoderFactory interface {
	NewEncoder(stream Stream) (Encoder, error)
}
