package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
	"github.com/cyclopcam/moodlens/pkg/nnload"
	"github.com/cyclopcam/moodlens/server/capture"
	"github.com/cyclopcam/moodlens/server/config"
	"github.com/cyclopcam/moodlens/server/display"
	"github.com/cyclopcam/moodlens/server/overlay"
	"github.com/stretchr/testify/require"
)

type countingDetector struct {
	calls  atomic.Int64
	closed atomic.Bool
}

func (d *countingDetector) Detect(ctx context.Context, frame *nn.Frame) (*nn.DetectionResult, error) {
	d.calls.Add(1)
	return &nn.DetectionResult{
		ImageWidth:  frame.Size().Width,
		ImageHeight: frame.Size().Height,
		Detections: []nn.Detection{{
			Box:         nn.Rect{X: 10, Y: 10, Width: 20, Height: 20},
			Expressions: nn.ExpressionScores{nn.Happy: 0.82, nn.Sad: 0.1, nn.Neutral: 0.08},
		}},
	}, nil
}

func (d *countingDetector) Close() { d.closed.Store(true) }

type warmupDetector struct {
	countingDetector
	warmups atomic.Int64
	err     error
}

func (d *warmupDetector) Warmup(ctx context.Context) error {
	d.warmups.Add(1)
	return d.err
}

type failingSource struct {
	started atomic.Bool
	err     error
}

func (s *failingSource) Start(ctx context.Context) error {
	s.started.Store(true)
	return s.err
}
func (s *failingSource) Playing() <-chan struct{} { return make(chan struct{}) }
func (s *failingSource) NativeSize() nn.Size      { return nn.Size{} }
func (s *failingSource) CurrentFrame() *nn.Frame  { return nil }
func (s *failingSource) Close()                   {}

type windowSink struct {
	lock   sync.Mutex
	frames int
	exited chan struct{}
	closed bool
}

func (s *windowSink) WriteFrame(img *image.RGBA) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.frames++
	return nil
}

func (s *windowSink) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
}

func (s *windowSink) Exited() <-chan struct{} { return s.exited }

func (s *windowSink) frameCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.frames
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Overlay.IntervalMS = 5
	cfg.Overlay.RefreshMS = 1
	return cfg
}

func readyBootstrap(log logs.Log) *nnload.Bootstrap {
	return nnload.NewBootstrap(log, nil)
}

func failedBootstrap(log logs.Log) *nnload.Bootstrap {
	return nnload.NewBootstrap(log, []nnload.LoadTask{
		{Name: nnload.TaskFaceDetector, Load: func(ctx context.Context) error {
			return fmt.Errorf("%w: tiny_face_detector_model.json not found", nnload.ErrModelLoad)
		}},
		{Name: nnload.TaskExpressionModel, Load: func(ctx context.Context) error { return nil }},
	})
}

func runAsync(srv *Server, ctx context.Context) chan error {
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	return done
}

func waitForLoopEvent(t *testing.T, ch chan overlay.Event, kind overlay.EventKind) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %v", kind)
		}
	}
}

func TestRunUntilCancelled(t *testing.T) {
	log := logs.NewTestingLog(t)
	det := &countingDetector{}
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    capture.NewImageSource(image.NewRGBA(image.Rect(0, 0, 72, 56))),
		Detector:  det,
	})
	require.NotEmpty(t, srv.SessionID)
	events := srv.Loop().AddWatcher()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(srv, ctx)
	waitForLoopEvent(t, events, overlay.EventRendered)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, overlay.LoopStopped, srv.Loop().State())
	require.True(t, det.closed.Load())
	require.Greater(t, det.calls.Load(), int64(0))
	require.Empty(t, srv.Events())
}

func TestModelLoadFailure(t *testing.T) {
	log := logs.NewTestingLog(t)
	det := &countingDetector{}
	source := &failingSource{}
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: failedBootstrap(log),
		Source:    source,
		Detector:  det,
	})
	err := srv.Run(context.Background())
	require.ErrorIs(t, err, nnload.ErrModelLoad)

	ev := <-srv.Events()
	require.Equal(t, ModelLoadFailure, ev.Kind)
	require.ErrorIs(t, ev.Err, nnload.ErrModelLoad)
	require.Empty(t, srv.Events())

	require.Equal(t, overlay.LoopIdle, srv.Loop().State())
	require.False(t, source.started.Load())
	require.EqualValues(t, 0, det.calls.Load())
	require.True(t, det.closed.Load())
}

func TestCameraAccessFailure(t *testing.T) {
	log := logs.NewTestingLog(t)
	det := &countingDetector{}
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    &failingSource{err: fmt.Errorf("%w: /dev/video9: permission denied", capture.ErrCameraAccess)},
		Detector:  det,
	})
	err := srv.Run(context.Background())
	require.ErrorIs(t, err, capture.ErrCameraAccess)

	ev := <-srv.Events()
	require.Equal(t, CameraAccessFailure, ev.Kind)
	require.Empty(t, srv.Events())
	require.Equal(t, overlay.LoopIdle, srv.Loop().State())
	require.EqualValues(t, 0, det.calls.Load())
}

func TestReportOnce(t *testing.T) {
	log := logs.NewTestingLog(t)
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    &failingSource{},
		Detector:  &countingDetector{},
	})
	srv.report(CameraAccessFailure, errors.New("first"))
	srv.report(CameraAccessFailure, errors.New("second"))
	ev := <-srv.Events()
	require.Equal(t, "first", ev.Err.Error())
	require.Empty(t, srv.Events())
}

func TestDisplayWindowClosed(t *testing.T) {
	log := logs.NewTestingLog(t)
	sink := &windowSink{exited: make(chan struct{})}
	var sinkSize nn.Size
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    capture.NewImageSource(image.NewRGBA(image.Rect(0, 0, 72, 56))),
		Detector:  &countingDetector{},
		NewSink: func(size nn.Size) (display.FrameSink, error) {
			sinkSize = size
			return sink, nil
		},
	})
	done := runAsync(srv, context.Background())
	require.Eventually(t, func() bool { return sink.frameCount() > 0 }, 5*time.Second, time.Millisecond)
	close(sink.exited)
	require.NoError(t, <-done)
	require.True(t, sink.closed)
	require.Equal(t, nn.Size{Width: 72, Height: 56}, sinkSize)
	require.Equal(t, overlay.LoopStopped, srv.Loop().State())
}

type stalledSink struct {
	writing   chan struct{}
	closed    chan struct{}
	writeOnce sync.Once
	closeOnce sync.Once
}

func (s *stalledSink) WriteFrame(img *image.RGBA) error {
	s.writeOnce.Do(func() { close(s.writing) })
	<-s.closed
	return errors.New("broken pipe")
}

func (s *stalledSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func TestShutdownWithStalledDisplay(t *testing.T) {
	log := logs.NewTestingLog(t)
	sink := &stalledSink{writing: make(chan struct{}), closed: make(chan struct{})}
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    capture.NewImageSource(image.NewRGBA(image.Rect(0, 0, 72, 56))),
		Detector:  &countingDetector{},
		NewSink: func(size nn.Size) (display.FrameSink, error) {
			return sink, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(srv, ctx)
	select {
	case <-sink.writing:
	case <-time.After(5 * time.Second):
		t.Fatalf("Display never received a frame")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	require.Equal(t, overlay.LoopStopped, srv.Loop().State())
}

func TestHeadlessWhenDisplayFails(t *testing.T) {
	log := logs.NewTestingLog(t)
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: readyBootstrap(log),
		Source:    capture.NewImageSource(image.NewRGBA(image.Rect(0, 0, 72, 56))),
		Detector:  &countingDetector{},
		NewSink: func(size nn.Size) (display.FrameSink, error) {
			return nil, errors.New("no X display")
		},
	})
	events := srv.Loop().AddWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(srv, ctx)
	waitForLoopEvent(t, events, overlay.EventRendered)
	cancel()
	require.NoError(t, <-done)
}

func TestNewServer(t *testing.T) {
	log := logs.NewTestingLog(t)
	cfg := config.Default()
	cfg.Display.Enabled = false
	srv, err := NewServer(log, cfg)
	require.NoError(t, err)
	require.Equal(t, overlay.LoopIdle, srv.Loop().State())
	require.Equal(t, 50*time.Millisecond, srv.Loop().Config().Interval)

	cfg = config.Default()
	cfg.Camera.Image = "/nonexistent/face.png"
	_, err = NewServer(log, cfg)
	require.ErrorIs(t, err, capture.ErrCameraAccess)

	cfg = config.Default()
	cfg.Overlay.IntervalMS = -1
	_, err = NewServer(log, cfg)
	require.Error(t, err)
}

func TestWarmupBeforeCapture(t *testing.T) {
	for _, warmErr := range []error{nil, errors.New("python3: not found")} {
		log := logs.NewTestingLog(t)
		det := &warmupDetector{err: warmErr}
		srv := NewServerWithComponents(log, testConfig(), Components{
			Bootstrap: readyBootstrap(log),
			Source:    capture.NewImageSource(image.NewRGBA(image.Rect(0, 0, 72, 56))),
			Detector:  det,
		})
		events := srv.Loop().AddWatcher()
		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(srv, ctx)
		// A warmup failure is logged, and the session carries on
		waitForLoopEvent(t, events, overlay.EventRendered)
		cancel()
		require.NoError(t, <-done)
		require.EqualValues(t, 1, det.warmups.Load())
	}

	// No warmup if the models failed to load
	log := logs.NewTestingLog(t)
	det := &warmupDetector{}
	srv := NewServerWithComponents(log, testConfig(), Components{
		Bootstrap: failedBootstrap(log),
		Source:    &failingSource{},
		Detector:  det,
	})
	require.Error(t, srv.Run(context.Background()))
	require.EqualValues(t, 0, det.warmups.Load())
}
