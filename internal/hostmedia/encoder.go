package hostmedia

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"WebCamRecorder/internal/codecs"
	"WebCamRecorder/internal/media"
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2

	opusChannels   = 2
	opusSampleRate = 48000

	// finalizeTimeout bounds the wait for the muxer to flush its last cluster.
	finalizeTimeout = 2 * time.Second
)

var errEncoderStopped = errors.New("encoder already stopped")

type encoderOptions struct {
	width, height int
	timeslice     time.Duration
	videoMime     string
	audioMime     string
}

// encoder muxes the encoded tracks of one stream into Matroska and emits the
// produced bytes as chunks every timeslice.
type encoder struct {
	tracks []*track
	opts   encoderOptions
	log    *zap.Logger

	events   chan media.EncoderEvent
	sink     *chunkSink
	stopping chan struct{}
	failed   chan error
	stopOnce sync.Once
	closing  atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	readers []mediadevices.EncodedReadCloser
	blocks  map[media.Kind]webm.BlockWriteCloser
	writers []webm.BlockWriteCloser
	origin  time.Time
}

func newEncoder(tracks []*track, opts encoderOptions, logger *zap.Logger) *encoder {
	return &encoder{
		tracks:   tracks,
		opts:     opts,
		log:      logger,
		events:   make(chan media.EncoderEvent),
		sink:     newChunkSink(),
		stopping: make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

func (e *encoder) Events() <-chan media.EncoderEvent { return e.events }

func (e *encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	// Stop closes stopping before it reads started
	select {
	case <-e.stopping:
		return errEncoderStopped
	default:
	}

	hasVideo := false
	for _, t := range e.tracks {
		mime := e.opts.audioMime
		if t.Kind() == media.VideoInput {
			mime = e.opts.videoMime
			hasVideo = true
		}
		r, err := t.local.NewEncodedReader(mime)
		if err != nil {
			e.closeReaders()
			e.readers = nil
			return fmt.Errorf("open %s encoder: %w", t.Kind(), err)
		}
		e.readers = append(e.readers, r)
	}

	// without video there is no keyframe to wait for
	if !hasVideo {
		if err := e.initMuxer(nil); err != nil {
			e.closeReaders()
			e.readers = nil
			return err
		}
	}

	e.started = true
	for i, t := range e.tracks {
		e.wg.Add(1)
		go e.readLoop(t.Kind(), e.readers[i])
	}
	go e.pump()
	e.log.Debug("encoder started", zap.Int("tracks", len(e.tracks)))
	return nil
}

func (e *encoder) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopping)
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if !started {
			close(e.events)
		}
	})
	return nil
}

// pump owns the events channel.
func (e *encoder) pump() {
	defer close(e.events)

	ticker := time.NewTicker(e.opts.timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.emit(e.sink.Take())
		case err := <-e.failed:
			e.finalize()
			e.sink.Take()
			e.events <- media.EncoderEvent{Err: err}
			return
		case <-e.stopping:
			e.finalize()
			e.emit(e.sink.Take())
			return
		}
	}
}

func (e *encoder) emit(data []byte) {
	if len(data) > 0 {
		e.events <- media.EncoderEvent{Data: data}
	}
}

func (e *encoder) readLoop(kind media.Kind, r mediadevices.EncodedReadCloser) {
	defer e.wg.Done()
	for {
		buf, release, err := r.Read()
		if err != nil {
			if !e.closing.Load() {
				e.fail(fmt.Errorf("read %s: %w", kind, err))
			}
			return
		}
		err = e.write(kind, buf.Data)
		release()
		if err != nil {
			e.fail(err)
			return
		}
	}
}

func (e *encoder) fail(err error) {
	select {
	case e.failed <- err:
	default:
	}
}

// write adds one encoded frame. Frames are copied since the muxer writes
// them asynchronously.
func (e *encoder) write(kind media.Kind, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if kind == media.VideoInput {
		keyframe := codecs.IsKeyframe(data)
		if e.blocks == nil {
			// the track header needs the parameter sets of the first IDR
			if !keyframe {
				return nil
			}
			if err := e.initMuxer(data); err != nil {
				return err
			}
		}
		_, err := e.blocks[media.VideoInput].Write(keyframe, e.timestamp(), codecs.ToAVC(data))
		return err
	}

	if e.blocks == nil {
		return nil
	}
	w, ok := e.blocks[kind]
	if !ok {
		return nil
	}
	_, err := w.Write(true, e.timestamp(), append([]byte(nil), data...))
	return err
}

func (e *encoder) timestamp() int64 {
	return time.Since(e.origin).Milliseconds()
}

// initMuxer writes the Matroska header. Callers hold mu.
func (e *encoder) initMuxer(firstVideo []byte) error {
	var entries []webm.TrackEntry
	var kinds []media.Kind

	for _, t := range e.tracks {
		number := uint64(len(entries) + 1)
		switch t.Kind() {
		case media.VideoInput:
			entry := webm.TrackEntry{
				Name:        "Video",
				TrackNumber: number,
				TrackUID:    number,
				CodecID:     "V_MPEG4/ISO/AVC",
				TrackType:   trackTypeVideo,
				Video: &webm.Video{
					PixelWidth:  uint64(e.opts.width),
					PixelHeight: uint64(e.opts.height),
				},
			}
			sps, pps := codecs.ParameterSets(firstVideo)
			if record, err := codecs.DecoderConfig(sps, pps); err == nil {
				entry.CodecPrivate = record
			} else {
				e.log.Warn("keyframe without parameter sets", zap.Error(err))
			}
			entries = append(entries, entry)
		case media.AudioInput:
			entries = append(entries, webm.TrackEntry{
				Name:         "Audio",
				TrackNumber:  number,
				TrackUID:     number,
				CodecID:      "A_OPUS",
				CodecPrivate: codecs.OpusHead(opusChannels),
				TrackType:    trackTypeAudio,
				Audio: &webm.Audio{
					SamplingFrequency: opusSampleRate,
					Channels:          opusChannels,
				},
			})
		default:
			continue
		}
		kinds = append(kinds, t.Kind())
	}

	writers, err := webm.NewSimpleBlockWriter(e.sink, entries)
	if err != nil {
		return fmt.Errorf("create matroska writer: %w", err)
	}
	e.writers = writers
	e.blocks = make(map[media.Kind]webm.BlockWriteCloser, len(writers))
	for i, w := range writers {
		e.blocks[kinds[i]] = w
	}
	e.origin = time.Now()
	return nil
}

// closeReaders releases readers opened by a failed Start. Callers hold mu.
func (e *encoder) closeReaders() {
	for _, r := range e.readers {
		if err := r.Close(); err != nil {
			e.log.Debug("close encoded reader", zap.Error(err))
		}
	}
}

// finalize stops the readers and flushes the muxer.
func (e *encoder) finalize() {
	e.closing.Store(true)

	e.mu.Lock()
	readers := e.readers
	e.mu.Unlock()
	for _, r := range readers {
		if err := r.Close(); err != nil {
			e.log.Debug("close encoded reader", zap.Error(err))
		}
	}
	e.wg.Wait()

	e.mu.Lock()
	writers := e.writers
	e.writers = nil
	e.mu.Unlock()
	if len(writers) == 0 {
		return
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			e.log.Warn("close block writer", zap.Error(err))
		}
	}

	timer := time.NewTimer(finalizeTimeout)
	defer timer.Stop()
	select {
	case <-e.sink.Done():
	case <-timer.C:
		e.log.Warn("matroska writer did not finish in time")
	}
}

// chunkSink collects muxer output between chunk emissions.
type chunkSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
	once sync.Once
}

func newChunkSink() *chunkSink {
	return &chunkSink{done: make(chan struct{})}
}

func (s *chunkSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Close is called by the muxer once every block writer is closed.
func (s *chunkSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *chunkSink) Done() <-chan struct{} { return s.done }

// Take returns and clears the buffered bytes.
func (s *chunkSink) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	return out
}
