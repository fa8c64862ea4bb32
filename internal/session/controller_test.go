package session

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"WebCamRecorder/internal/media"
	"WebCamRecorder/internal/media/mediatest"
	"WebCamRecorder/internal/recorder"
)

func newTestHost() *mediatest.Host {
	return &mediatest.Host{Devices: []media.DeviceInfo{
		{ID: "mic-1", Kind: media.AudioInput, Label: "Built-in"},
		{ID: "cam-1", Kind: media.VideoInput, Label: "Front"},
		{ID: "cam-2", Kind: media.VideoInput},
	}}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMountAcquiresDefaultsAndListsDevices(t *testing.T) {
	host := newTestHost()
	sink := &mediatest.Sink{}
	c := New(host, sink, Options{})

	if err := c.Mount(testContext(t)); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if sels := host.Selections(); len(sels) != 1 || sels[0] != (media.Selection{}) {
		t.Errorf("expected one request with empty selection, got %+v", sels)
	}
	if sink.Bound() == nil || sink.Bound() != c.Current() {
		t.Error("expected preview bound to live stream")
	}
	snap := c.Snapshot()
	if len(snap.AudioOptions) != 1 || len(snap.VideoOptions) != 2 {
		t.Fatalf("unexpected options: %+v", snap)
	}
	if snap.VideoOptions[1].Label != "Camera cam-2" {
		t.Errorf("expected fallback label, got %q", snap.VideoOptions[1].Label)
	}
	if snap.State != recorder.Idle || snap.Artifact != nil || snap.Error != "" {
		t.Errorf("unexpected initial snapshot: %+v", snap)
	}
}

func TestRecordSelectedCamera(t *testing.T) {
	host := newTestHost()
	sink := &mediatest.Sink{}
	c := New(host, sink, Options{})
	ctx := testContext(t)

	if err := c.SelectVideoDevice(ctx, "cam-2"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if sink.Bound() == nil || sink.Bound().ID() != "cam-2" {
		t.Fatalf("expected preview bound to cam-2, got %v", sink.Bound())
	}

	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if c.Snapshot().State != recorder.Recording {
		t.Fatal("expected Recording state")
	}
	enc := host.LastEncoder()
	enc.Emit([]byte{0x1A, 0x2B})
	enc.Emit([]byte{0x3C})
	if err := c.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}

	snap := c.Snapshot()
	if snap.State != recorder.Idle {
		t.Errorf("expected Idle, got %s", snap.State)
	}
	if snap.Artifact == nil || snap.Artifact.Size != 3 {
		t.Fatalf("unexpected artifact ref: %+v", snap.Artifact)
	}
	a, ok := c.Artifact(snap.Artifact.ID)
	if !ok {
		t.Fatal("expected artifact lookup to succeed")
	}
	if !bytes.Equal(a.Data, []byte{0x1A, 0x2B, 0x3C}) {
		t.Errorf("expected 1A2B3C, got %X", a.Data)
	}
	if _, ok := c.Artifact("unknown"); ok {
		t.Error("expected lookup of unknown artifact to fail")
	}
}

func TestAcquisitionFailureIsRecorded(t *testing.T) {
	host := newTestHost()
	sink := &mediatest.Sink{}
	c := New(host, sink, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	before := c.Snapshot()

	host.RequestErr = media.NewCaptureError(media.CauseNotFound, errors.New("Requested device not found"))
	if err := c.SelectVideoDevice(ctx, "cam-9"); err != nil {
		t.Fatalf("SelectVideoDevice returned error: %v", err)
	}

	if !errors.Is(c.Err(), media.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable error, got %v", c.Err())
	}
	snap := c.Snapshot()
	if !strings.Contains(snap.Error, "NotFoundError") {
		t.Errorf("expected error message to contain cause, got %q", snap.Error)
	}
	if snap.State != recorder.Idle {
		t.Errorf("expected Idle, got %s", snap.State)
	}
	if !reflect.DeepEqual(snap.AudioOptions, before.AudioOptions) || !reflect.DeepEqual(snap.VideoOptions, before.VideoOptions) {
		t.Error("expected option lists unchanged")
	}
	if sink.Bindings() != 1 {
		t.Errorf("expected preview untouched by the failure, got %d bindings", sink.Bindings())
	}

	// no live stream, so recording cannot start
	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording returned error: %v", err)
	}
	if c.Snapshot().State != recorder.Idle {
		t.Error("expected start without stream to be a no-op")
	}

	host.RequestErr = nil
	if err := c.SelectVideoDevice(ctx, "cam-1"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if c.Err() != nil {
		t.Errorf("expected successful acquisition to clear error, got %v", c.Err())
	}
}

func TestEnumerationFailureKeepsOptions(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	host.EnumErr = media.NewCaptureError(media.CauseNotAllowed, nil)
	if err := c.SelectAudioDevice(ctx, "mic-1"); err != nil {
		t.Fatalf("SelectAudioDevice failed: %v", err)
	}

	if !errors.Is(c.Err(), media.ErrPermission) {
		t.Fatalf("expected permission error, got %v", c.Err())
	}
	if snap := c.Snapshot(); len(snap.VideoOptions) != 2 {
		t.Errorf("expected options kept, got %+v", snap.VideoOptions)
	}
}

func TestStartWithoutMountIsNoop(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if err := c.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if c.Snapshot().State != recorder.Idle {
		t.Error("expected Idle")
	}
	if host.LastEncoder() != nil {
		t.Error("expected no encoder without a live stream")
	}
}

func TestSelectionChangeWhileRecordingStopsFirst(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.SelectVideoDevice(ctx, "cam-1"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	old := c.Current().(*mediatest.Stream)
	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	host.LastEncoder().Emit([]byte("before-switch"))

	if err := c.SelectVideoDevice(ctx, "cam-2"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}

	snap := c.Snapshot()
	if snap.State != recorder.Idle {
		t.Errorf("expected recording stopped, got %s", snap.State)
	}
	if snap.Artifact == nil || snap.Artifact.Size != len("before-switch") {
		t.Fatalf("expected artifact of the interrupted recording, got %+v", snap.Artifact)
	}
	if !old.Stopped() {
		t.Error("expected old stream released")
	}
	if c.Current().ID() != "cam-2" {
		t.Errorf("expected cam-2 live, got %s", c.Current().ID())
	}
}

func TestCloseDiscardsRecording(t *testing.T) {
	host := newTestHost()
	sink := &mediatest.Sink{}
	c := New(host, sink, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	stream := c.Current().(*mediatest.Stream)
	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	host.LastEncoder().Emit([]byte("partial"))

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !stream.Stopped() {
		t.Error("expected tracks stopped on close")
	}
	if sink.Bound() != nil {
		t.Error("expected preview unbound")
	}
	if c.Snapshot().Artifact != nil {
		t.Error("expected no partial artifact")
	}
	if err := c.StartRecording(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}
}

func TestEncoderFailureSurfacesInSnapshot(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	host.LastEncoder().Fail(errors.New("encoder crashed"))

	deadline := time.Now().Add(2 * time.Second)
	for c.Snapshot().State != recorder.Idle {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Idle")
		}
		time.Sleep(time.Millisecond)
	}
	snap := c.Snapshot()
	if !strings.Contains(snap.Error, "encoder crashed") {
		t.Errorf("expected encoder error in snapshot, got %q", snap.Error)
	}
	if snap.Artifact != nil {
		t.Error("expected no artifact from a failed recording")
	}
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Snapshot().State != recorder.Idle {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Idle")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSuccessfulAcquisitionClearsEncoderError(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := c.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	host.LastEncoder().Fail(errors.New("encoder crashed"))
	waitIdle(t, c)

	if err := c.Err(); err == nil || !strings.Contains(err.Error(), "encoder crashed") {
		t.Fatalf("expected encoder error in error state, got %v", err)
	}

	if err := c.SelectVideoDevice(ctx, "cam-1"); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if err := c.Err(); err != nil {
		t.Errorf("expected error cleared, got %v", err)
	}
	if snap := c.Snapshot(); snap.Error != "" {
		t.Errorf("expected no error in snapshot, got %q", snap.Error)
	}
}

func TestFailedAcquisitionKeepsOptionLists(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	before := c.Snapshot()

	host.Devices = []media.DeviceInfo{{ID: "mic-9", Kind: media.AudioInput}}
	host.RequestErr = media.NewCaptureError(media.CauseNotFound, nil)
	if err := c.SelectVideoDevice(ctx, "cam-9"); err != nil {
		t.Fatalf("SelectVideoDevice returned error: %v", err)
	}

	after := c.Snapshot()
	if !reflect.DeepEqual(after.AudioOptions, before.AudioOptions) || !reflect.DeepEqual(after.VideoOptions, before.VideoOptions) {
		t.Errorf("expected options unchanged, before %+v/%+v after %+v/%+v",
			before.AudioOptions, before.VideoOptions, after.AudioOptions, after.VideoOptions)
	}

	// the next successful acquisition re-enumerates
	host.RequestErr = nil
	if err := c.SelectVideoDevice(ctx, ""); err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if snap := c.Snapshot(); len(snap.AudioOptions) != 1 || snap.AudioOptions[0].Value != "mic-9" || len(snap.VideoOptions) != 0 {
		t.Errorf("expected refreshed options, got %+v", snap)
	}
}

func TestAcquisitionErrorSurvivesEnumerationFailure(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	host.RequestErr = media.NewCaptureError(media.CauseNotFound, nil)
	host.EnumErr = errors.New("enum boom")
	if err := c.SelectVideoDevice(ctx, "cam-9"); err != nil {
		t.Fatalf("SelectVideoDevice returned error: %v", err)
	}

	err := c.Err()
	if !errors.Is(err, media.ErrDeviceUnavailable) || !strings.Contains(err.Error(), "NotFoundError") {
		t.Errorf("expected acquisition error kept, got %v", err)
	}
}

func TestStartWaitsForPendingSelection(t *testing.T) {
	host := newTestHost()
	c := New(host, nil, Options{})
	ctx := testContext(t)

	if err := c.Mount(ctx); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	old := c.Current().(*mediatest.Stream)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	next := mediatest.NewStream("cam-2")
	host.Request = func(ctx context.Context, sel media.Selection) (media.Stream, error) {
		close(entered)
		<-proceed
		return next, nil
	}

	selected := make(chan error, 1)
	go func() { selected <- c.SelectVideoDevice(ctx, "cam-2") }()
	<-entered

	started := make(chan error, 1)
	go func() { started <- c.StartRecording(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if host.LastEncoder() != nil {
		t.Fatal("expected start to wait for the pending selection")
	}
	close(proceed)

	if err := <-selected; err != nil {
		t.Fatalf("SelectVideoDevice failed: %v", err)
	}
	if err := <-started; err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if got := host.LastEncodedStream(); got != next {
		t.Fatalf("expected recording on the new stream, got %v", got)
	}
	if !old.Stopped() || next.Stopped() {
		t.Error("expected old stream released and new stream live")
	}
	if c.Snapshot().State != recorder.Recording {
		t.Error("expected Recording")
	}
}
