// Package server ties everything together: it loads the models, opens the camera,
// and runs the overlay loop and the display until it's told to stop.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
	"github.com/cyclopcam/moodlens/pkg/nnload"
	"github.com/cyclopcam/moodlens/server/capture"
	"github.com/cyclopcam/moodlens/server/config"
	"github.com/cyclopcam/moodlens/server/display"
	"github.com/cyclopcam/moodlens/server/overlay"
	"github.com/cyclopcam/moodlens/server/worker"
	"github.com/google/uuid"
)

// How often we log the overlay loop's statistics
const statsLogInterval = 30 * time.Second

type EventKind int

const (
	ModelLoadFailure EventKind = iota
	CameraAccessFailure
)

func (k EventKind) String() string {
	switch k {
	case ModelLoadFailure:
		return "ModelLoadFailure"
	case CameraAccessFailure:
		return "CameraAccessFailure"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a session-ending failure. Each kind is reported at most once.
type Event struct {
	Kind EventKind
	Err  error
}

// Bootstrapper loads the models
type Bootstrapper interface {
	overlay.Readiness
	Start(ctx context.Context) error
	Wait(ctx context.Context) (nnload.ReadinessState, error)
}

// Components that make up a session. NewServer builds the real ones.
type Components struct {
	Bootstrap Bootstrapper
	Source    capture.Source
	Detector  nn.ExpressionDetector
	Clock     overlay.FrameClock                            // nil for a ticker at the configured refresh rate
	NewSink   func(size nn.Size) (display.FrameSink, error) // nil for headless
}

type Server struct {
	Log       logs.Log
	SessionID string

	config     *config.Config
	components Components
	loop       *overlay.Loop
	surface    *overlay.GGSurface

	events       chan Event
	reportedLock sync.Mutex
	reported     map[EventKind]bool
}

// Build a server from config
func NewServer(log logs.Log, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	faceLoc := nnload.ModelLocation{Dir: cfg.Models.Dir, Name: cfg.Models.FaceModel, BaseURL: cfg.Models.BaseURL}
	exprLoc := nnload.ModelLocation{Dir: cfg.Models.Dir, Name: cfg.Models.ExpressionModel, BaseURL: cfg.Models.BaseURL}
	boot := nnload.NewBootstrap(log, nnload.ModelTasks(log, faceLoc, exprLoc, nil, nil))

	var source capture.Source
	if cfg.Camera.Image != "" {
		img, err := capture.LoadImageSource(cfg.Camera.Image)
		if err != nil {
			return nil, err
		}
		source = img
	} else {
		source = capture.NewFFmpegSource(log, capture.FFmpegConfig{
			Device:       cfg.Camera.Device,
			Format:       cfg.Camera.Format,
			Realtime:     cfg.Camera.Realtime,
			FallbackSize: nn.Size{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
			StartTimeout: cfg.Camera.StartTimeout(),
		})
	}

	command := append([]string{}, cfg.Worker.Command...)
	command = append(command,
		"--face-model", filepath.Join(cfg.Models.Dir, cfg.Models.FaceModel),
		"--expression-model", filepath.Join(cfg.Models.Dir, cfg.Models.ExpressionModel))
	pool := worker.NewPool(log, worker.PoolConfig{
		Command:     command,
		Workers:     cfg.Worker.Workers,
		WorkingSize: nn.Size{Width: cfg.Worker.Width, Height: cfg.Worker.Height},
		MergeIoU:    cfg.Worker.MergeIoU,
	})

	var newSink func(size nn.Size) (display.FrameSink, error)
	if cfg.Display.Enabled {
		newSink = func(size nn.Size) (display.FrameSink, error) {
			return display.NewFFplaySink(log, display.FFplayConfig{
				FFplayPath: cfg.Display.FFplayPath,
				Title:      cfg.Display.Title,
				Size:       size,
				FPS:        max(1, 1000/cfg.Overlay.RefreshMS),
			})
		}
	}

	return NewServerWithComponents(log, cfg, Components{
		Bootstrap: boot,
		Source:    source,
		Detector:  pool,
		NewSink:   newSink,
	}), nil
}

// Build a server from pre-built components
func NewServerWithComponents(log logs.Log, cfg *config.Config, c Components) *Server {
	loopConfig := overlay.Config{
		Interval:       cfg.Overlay.Interval(),
		SequenceGuard:  cfg.Overlay.SequenceGuard,
		FailureBackoff: cfg.Overlay.FailureBackoff,
		MaxBackoff:     cfg.Overlay.MaxBackoff(),
	}
	renderer := overlay.NewRenderer()
	renderer.ShowDistribution = cfg.Overlay.ShowDistribution
	return &Server{
		Log:        log,
		SessionID:  uuid.NewString(),
		config:     cfg,
		components: c,
		loop:       overlay.New(log, loopConfig, c.Bootstrap, c.Detector, renderer),
		events:     make(chan Event, 2),
		reported:   map[EventKind]bool{},
	}
}

// Events delivers session failures
func (s *Server) Events() <-chan Event {
	return s.events
}

func (s *Server) Loop() *overlay.Loop {
	return s.loop
}

func (s *Server) report(kind EventKind, err error) {
	s.reportedLock.Lock()
	defer s.reportedLock.Unlock()
	if s.reported[kind] {
		return
	}
	s.reported[kind] = true
	s.Log.Errorf("Session %v: %v: %v", s.SessionID, kind, err)
	s.events <- Event{Kind: kind, Err: err}
}

// Run the session until ctx is cancelled, the display window is closed, or something fails.
// A model or camera failure is reported on Events() and returned. The overlay loop never starts in that case.
func (s *Server) Run(ctx context.Context) error {
	c := s.components
	defer c.Detector.Close()
	s.Log.Infof("Session %v starting", s.SessionID)

	if err := c.Bootstrap.Start(ctx); err != nil {
		return err
	}
	state, err := c.Bootstrap.Wait(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if state != nnload.ReadinessReady {
		if err == nil {
			err = fmt.Errorf("%w: models are %v", nnload.ErrModelLoad, state)
		}
		s.report(ModelLoadFailure, err)
		return err
	}

	if w, ok := c.Detector.(interface{ Warmup(context.Context) error }); ok {
		if err := w.Warmup(ctx); err != nil {
			s.Log.Warnf("Detection workers failed to start: %v", err)
		}
	}

	defer c.Source.Close()
	if err := c.Source.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.report(CameraAccessFailure, err)
		return err
	}
	select {
	case <-c.Source.Playing():
	case <-ctx.Done():
		return nil
	}

	size := c.Source.NativeSize()
	s.surface = overlay.NewGGSurface(size)
	clock := c.Clock
	if clock == nil {
		clock = overlay.NewTickerClock(s.config.Overlay.Refresh())
	}
	if err := s.loop.Start(c.Source, s.surface, clock); err != nil {
		return err
	}

	var windowClosed <-chan struct{}
	if c.NewSink != nil {
		sink, err := c.NewSink(size)
		if err != nil {
			s.Log.Warnf("Unable to open display (%v). Running headless", err)
		} else {
			if exited, ok := sink.(interface{ Exited() <-chan struct{} }); ok {
				windowClosed = exited.Exited()
			}
			comp := display.NewCompositor(s.Log, c.Source, s.surface, sink, size)
			comp.Start(s.config.Overlay.Refresh())
			defer comp.Stop() // Also closes the sink
		}
	}
	// Deferred calls run in reverse, so the loop stops before the display, camera and workers
	defer s.loop.Stop()

	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Log.Infof("Session %v stopping", s.SessionID)
			return nil
		case <-windowClosed:
			s.Log.Infof("Display closed. Session %v stopping", s.SessionID)
			return nil
		case <-statsTicker.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	st := s.loop.Stats()
	s.Log.Infof("Overlay: %v ticks, %v detections, %v drawn, %v failed, %v in flight, latency avg %v recent %v max %v jitter %v",
		st.Ticks, st.Invocations, st.Renders, st.Failures, st.InFlight, st.AvgLatency, st.SmoothLatency, st.MaxLatency, st.LatencyJitter)
}
