package hostmedia

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v3"
	"github.com/rs/xid"

	"WebCamRecorder/internal/media"
)

type stream struct {
	id     string
	tracks []*track
}

func newStream(s mediadevices.MediaStream) *stream {
	out := &stream{id: xid.New().String()}
	for _, t := range s.GetTracks() {
		out.tracks = append(out.tracks, newTrack(t))
	}
	return out
}

func (s *stream) ID() string { return s.id }

func (s *stream) Tracks() []media.Track {
	tracks := make([]media.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

// track wraps a mediadevices track. Stop closes the device once.
type track struct {
	local mediadevices.Track
	kind  media.Kind

	once sync.Once
	err  error
}

func newTrack(t mediadevices.Track) *track {
	kind := media.AudioInput
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.VideoInput
	}
	return &track{local: t, kind: kind}
}

func (t *track) ID() string       { return t.local.ID() }
func (t *track) Kind() media.Kind { return t.kind }

func (t *track) Stop() error {
	t.once.Do(func() {
		t.err = t.local.Close()
	})
	return t.err
}

// LocalTrack exposes the track to peer connections for preview.
func (t *track) LocalTrack() webrtc.TrackLocal {
	return t.local
}
