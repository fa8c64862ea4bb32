// Package webrtc shows the live capture stream to local pages over WebRTC.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/dtls/v2/pkg/protocol/extension"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v3"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"WebCamRecorder/internal/media"
)

const gatherTimeout = 10 * time.Second

var (
	ErrUnknownViewer = errors.New("unknown viewer")
	ErrClosed        = errors.New("preview closed")
	errGatherTimeout = errors.New("ICE gathering timed out")
)

type Options struct {
	// ICEServers is an optional array of ICE server URLs (e.g., STUN or TURN server URLs)
	ICEServers []string
	// ICEUsername is an optional username for authenticating with the given ICEServers
	ICEUsername string
	// ICECredential is an optional credential (i.e., password) for authenticating with the given ICEServers
	ICECredential string
	// PortMin is an optional minimum (inclusive) ephemeral UDP port range
	PortMin uint16
	// PortMax is an optional maximum (inclusive) ephemeral UDP port range
	PortMax uint16
	// Codecs registers the encoders the capture tracks were opened with.
	// Nil falls back to the pion default codecs.
	Codecs *mediadevices.CodecSelector
	Logger *zap.Logger
}

// LocalTracker is implemented by tracks that can be sent to a peer.
type LocalTracker interface {
	LocalTrack() webrtc.TrackLocal
}

// Preview is the preview sink of the capture session. Every connected page
// is one viewer; binding a new stream swaps the tracks of every viewer.
type Preview struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	stream  media.Stream
	viewers map[string]*viewer
	closed  bool
}

type viewer struct {
	id      string
	pc      *webrtc.PeerConnection
	senders map[media.Kind]*webrtc.RTPSender
}

func NewPreview(options Options) *Preview {
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Preview{
		opts:    options,
		log:     options.Logger,
		viewers: make(map[string]*viewer),
	}
}

// Bind shows stream to every viewer. A nil stream blanks the preview.
func (p *Preview) Bind(stream media.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = stream

	tracks := localTracks(stream)
	for _, v := range p.viewers {
		for kind, sender := range v.senders {
			var next webrtc.TrackLocal
			if t, ok := tracks[kind]; ok {
				next = t
			}
			if err := sender.ReplaceTrack(next); err != nil {
				p.log.Warn("replace preview track",
					zap.String("viewer", v.id), zap.Stringer("kind", kind), zap.Error(err))
			}
		}
	}
	if stream != nil {
		p.log.Debug("preview bound", zap.String("stream", stream.ID()), zap.Int("viewers", len(p.viewers)))
	}
}

// Connect answers a page's SDP offer with the current stream's tracks and
// returns the viewer id.
func (p *Preview) Connect(ctx context.Context, offer string) (string, string, error) {
	p.mu.Lock()
	stream, closed := p.stream, p.closed
	p.mu.Unlock()
	if closed {
		return "", "", ErrClosed
	}
	if stream == nil {
		return "", "", media.ErrNoActiveStream
	}

	pc, err := p.NewPeerConnection(webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return "", "", fmt.Errorf("create peer connection: %w", err)
	}

	v := &viewer{id: xid.New().String(), pc: pc, senders: make(map[media.Kind]*webrtc.RTPSender)}
	answer, err := p.negotiate(ctx, v, stream, offer)
	if err != nil {
		if closeErr := pc.Close(); closeErr != nil {
			p.log.Debug("close peer connection", zap.Error(closeErr))
		}
		return "", "", err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("preview connection state", zap.String("viewer", v.id), zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			if err := p.Disconnect(v.id); err != nil && !errors.Is(err, ErrUnknownViewer) {
				p.log.Debug("disconnect viewer", zap.String("viewer", v.id), zap.Error(err))
			}
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if err := pc.Close(); err != nil {
			p.log.Debug("close peer connection", zap.Error(err))
		}
		return "", "", ErrClosed
	}
	if p.stream != stream {
		// rebound while negotiating
		next := localTracks(p.stream)
		for kind, sender := range v.senders {
			var t webrtc.TrackLocal
			if lt, ok := next[kind]; ok {
				t = lt
			}
			if err := sender.ReplaceTrack(t); err != nil {
				p.log.Warn("replace preview track", zap.String("viewer", v.id), zap.Error(err))
			}
		}
	}
	p.viewers[v.id] = v
	p.log.Info("preview viewer connected", zap.String("viewer", v.id), zap.Int("tracks", len(v.senders)))
	return v.id, answer, nil
}

func (p *Preview) negotiate(ctx context.Context, v *viewer, stream media.Stream, offer string) (string, error) {
	for kind, t := range localTracks(stream) {
		sender, err := v.pc.AddTrack(t)
		if err != nil {
			return "", fmt.Errorf("add %s track: %w", kind, err)
		}
		v.senders[kind] = sender
		go drainRTCP(sender)
	}

	if err := v.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote sdp: %w", err)
	}
	answer, err := v.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherCompletePromise := webrtc.GatheringCompletePromise(v.pc)
	if err = v.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local sdp: %w", err)
	}

	waitT := time.NewTimer(gatherTimeout)
	defer waitT.Stop()
	select {
	case <-waitT.C:
		return "", errGatherTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-gatherCompletePromise:
	}
	return v.pc.LocalDescription().SDP, nil
}

// Disconnect closes one viewer.
func (p *Preview) Disconnect(id string) error {
	p.mu.Lock()
	v, ok := p.viewers[id]
	delete(p.viewers, id)
	p.mu.Unlock()
	if !ok {
		return ErrUnknownViewer
	}

	if err := v.pc.Close(); err != nil {
		return fmt.Errorf("close viewer %s: %w", id, err)
	}
	p.log.Info("preview viewer disconnected", zap.String("viewer", id))
	return nil
}

// Viewers returns the number of connected viewers.
func (p *Preview) Viewers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

// Close disconnects every viewer. The bound stream is left running.
func (p *Preview) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	viewers := p.viewers
	p.viewers = make(map[string]*viewer)
	p.stream = nil
	p.mu.Unlock()

	var errs []error
	for id, v := range viewers {
		if err := v.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close viewer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Preview) NewPeerConnection(configuration webrtc.Configuration) (*webrtc.PeerConnection, error) {
	if len(p.opts.ICEServers) > 0 {
		configuration.ICEServers = append(configuration.ICEServers, webrtc.ICEServer{
			URLs:           p.opts.ICEServers,
			Username:       p.opts.ICEUsername,
			Credential:     p.opts.ICECredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	m := &webrtc.MediaEngine{}
	if p.opts.Codecs != nil {
		p.opts.Codecs.Populate(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	s := webrtc.SettingEngine{}
	s.SetSRTPProtectionProfiles(extension.SRTP_AES128_CM_HMAC_SHA1_80)

	if p.opts.PortMin > 0 && p.opts.PortMax > 0 && p.opts.PortMax > p.opts.PortMin {
		if err := s.SetEphemeralUDPPortRange(p.opts.PortMin, p.opts.PortMax); err != nil {
			return nil, err
		}
		p.log.Debug("set UDP port range", zap.Uint16("min", p.opts.PortMin), zap.Uint16("max", p.opts.PortMax))
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s))
	return api.NewPeerConnection(configuration)
}

// localTracks picks the first sendable track of each kind.
func localTracks(stream media.Stream) map[media.Kind]webrtc.TrackLocal {
	out := make(map[media.Kind]webrtc.TrackLocal)
	if stream == nil {
		return out
	}
	for _, t := range stream.Tracks() {
		lt, ok := t.(LocalTracker)
		if !ok {
			continue
		}
		if _, seen := out[t.Kind()]; !seen {
			out[t.Kind()] = lt.LocalTrack()
		}
	}
	return out
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
