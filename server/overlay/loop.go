// Package overlay runs the expression overlay loop.
//
// The loop receives ticks from a FrameClock (typically at the display's refresh rate),
// and on every tick that is at least Config.Interval after the previous invocation, it
// issues a detection call against the sink's current frame. Detection calls run on their
// own goroutines, and may overlap. When a call completes, its result is handed back to
// the loop goroutine, which remaps the boxes to the display resolution, clears the
// surface and draws the new batch.
//
// Completions are drawn in the order in which they complete, not the order in which
// they were issued. A slow call that returns after a faster, newer call will overwrite
// the newer overlay. Set Config.SequenceGuard to discard such stale completions instead.
package overlay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/gen"
	"github.com/cyclopcam/moodlens/pkg/nn"
	"github.com/cyclopcam/moodlens/pkg/perfstats"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval   = 50 * time.Millisecond
	DefaultMaxBackoff = 2 * time.Second
)

// Don't spam the logs with the same detection error on every tick
const errorLogInterval = 15 * time.Second

type Config struct {
	Interval       time.Duration // Minimum time between detection calls
	SequenceGuard  bool          // Discard a completion if a newer call has already been drawn
	FailureBackoff bool          // Double the interval on every consecutive failure, up to MaxBackoff
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   DefaultInterval,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// Readiness reports whether the models have finished loading
type Readiness interface {
	Ready() bool
}

// VideoSink is the playing video stream that we're annotating
type VideoSink interface {
	NativeSize() nn.Size
	CurrentFrame() *nn.Frame // nil if no frame has been decoded yet
}

// BatchRenderer draws one batch of detections onto a surface that has already been cleared
type BatchRenderer interface {
	Render(s Surface, batch []nn.Detection, size nn.Size)
}

type completion struct {
	seq     int64
	result  *nn.DetectionResult
	err     error
	latency time.Duration
}

type Loop struct {
	Log logs.Log

	config    Config
	readiness Readiness
	detector  nn.ExpressionDetector
	renderer  BatchRenderer

	lock  sync.Mutex // Guards state
	state LoopState

	// Populated by Start, and read-only afterwards
	sink        VideoSink
	surface     Surface
	clock       FrameClock
	displaySize nn.Size
	cancel      context.CancelFunc
	ctx         context.Context

	mustStop      atomic.Bool     // True once Stop() has been called
	stopCh        chan struct{}   // Closed by Stop()
	looperStopped chan bool       // Closed when the loop goroutine exits
	completions   chan completion // Detection goroutines -> loop goroutine

	// Owned by the loop goroutine. Nobody else may touch these.
	lastInvocation      time.Time
	hasInvoked          bool
	nextSeq             int64
	lastRenderedSeq     int64
	consecutiveFailures int
	errLog              rate.Sometimes

	watchersLock sync.RWMutex
	watchers     []chan Event

	statsLock sync.Mutex
	stats     loopStats
}

// Create a new overlay loop. The loop is Idle until Start is called.
func New(log logs.Log, config Config, readiness Readiness, detector nn.ExpressionDetector, renderer BatchRenderer) *Loop {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	config.MaxBackoff = max(config.MaxBackoff, config.Interval)
	return &Loop{
		Log:           log,
		config:        config,
		readiness:     readiness,
		detector:      detector,
		renderer:      renderer,
		stopCh:        make(chan struct{}),
		looperStopped: make(chan bool),
		completions:   make(chan completion),
		errLog:        rate.Sometimes{Interval: errorLogInterval},
		stats:         newLoopStats(),
	}
}

func (l *Loop) State() LoopState {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

func (l *Loop) Config() Config {
	return l.config
}

// Start the loop.
// The sink must already be playing, so that its native size is known. The surface must
// be sized to match the sink. The loop takes ownership of the clock, and stops it in Stop().
func (l *Loop) Start(sink VideoSink, surface Surface, clock FrameClock) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.state {
	case LoopRunning:
		return ErrAlreadyStarted
	case LoopStopped:
		return ErrStopped
	}
	if l.readiness == nil || !l.readiness.Ready() {
		return ErrModelsNotReady
	}
	if sink == nil {
		return ErrNoDisplaySize
	}
	size := sink.NativeSize()
	if size.IsZero() {
		return ErrNoDisplaySize
	}

	l.sink = sink
	l.surface = surface
	l.clock = clock
	l.displaySize = size
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.state = LoopRunning
	l.updateStats(func(s *loopStats) { s.Interval = l.config.Interval })

	l.Log.Infof("Overlay loop starting (display %v x %v, interval %v)", size.Width, size.Height, l.config.Interval)
	l.sendToWatchers(Event{Kind: EventStarted, Time: time.Now()})
	go l.run()
	return nil
}

// Stop the loop, and wait for the loop goroutine to exit.
// Detection calls that are still in flight are cancelled, and their results are ignored.
// Once Stop returns, the loop will never touch the surface again.
// Stopping an Idle loop moves it straight to Stopped.
func (l *Loop) Stop() {
	l.lock.Lock()
	prev := l.state
	l.state = LoopStopped
	l.lock.Unlock()

	if prev != LoopRunning {
		return
	}

	l.Log.Infof("Overlay loop stopping")
	l.mustStop.Store(true)
	close(l.stopCh)
	l.cancel()
	<-l.looperStopped
	l.clock.Stop()
	l.sendToWatchers(Event{Kind: EventStopped, Time: time.Now()})
	l.Log.Infof("Overlay loop stopped")
}

func (l *Loop) run() {
	defer close(l.looperStopped)
	ticks := l.clock.Ticks()
	for {
		select {
		case <-l.stopCh:
			return
		case now, ok := <-ticks:
			if !ok {
				l.Log.Warnf("Overlay frame clock closed its tick channel")
				ticks = nil
				continue
			}
			l.onTick(now)
		case c := <-l.completions:
			l.onCompletion(c)
		}
	}
}

// Effective throttle interval, taking FailureBackoff into account
func (l *Loop) effectiveInterval() time.Duration {
	interval := l.config.Interval
	if !l.config.FailureBackoff {
		return interval
	}
	for i := 0; i < l.consecutiveFailures && interval < l.config.MaxBackoff; i++ {
		interval *= 2
	}
	return gen.Clamp(interval, l.config.Interval, l.config.MaxBackoff)
}

func (l *Loop) onTick(now time.Time) {
	interval := l.effectiveInterval()
	if l.hasInvoked && now.Sub(l.lastInvocation) < interval {
		// The previous overlay stays on screen
		l.updateStats(func(s *loopStats) {
			s.Ticks++
			s.Throttled++
			s.Interval = interval
		})
		return
	}

	frame := l.sink.CurrentFrame()
	if frame == nil {
		l.updateStats(func(s *loopStats) {
			s.Ticks++
			s.NoFrame++
		})
		return
	}

	l.lastInvocation = now
	l.hasInvoked = true
	l.nextSeq++
	seq := l.nextSeq
	l.updateStats(func(s *loopStats) {
		s.Ticks++
		s.Invocations++
		s.InFlight++
		s.Interval = interval
	})
	l.sendToWatchers(Event{Kind: EventInvoked, Seq: seq, Time: now})

	go l.detect(seq, frame)
}

// detect runs on its own goroutine, one per call
func (l *Loop) detect(seq int64, frame *nn.Frame) {
	start := time.Now()
	result, err := l.detector.Detect(l.ctx, frame)
	c := completion{
		seq:     seq,
		result:  result,
		err:     err,
		latency: time.Since(start),
	}
	select {
	case l.completions <- c:
	case <-l.stopCh:
		l.updateStats(func(s *loopStats) {
			s.InFlight--
			s.LateAfterStop++
		})
	}
}

func (l *Loop) onCompletion(c completion) {
	if l.mustStop.Load() {
		l.updateStats(func(s *loopStats) {
			s.InFlight--
			s.LateAfterStop++
		})
		return
	}

	l.updateStats(func(s *loopStats) {
		s.InFlight--
		s.Completions++
		s.latency.AddSample(c.latency)
		s.history.Add(c.latency)
		perfstats.UpdateMovingAverage(&s.smooth, int64(c.latency))
	})

	if c.err != nil {
		l.consecutiveFailures++
		l.errLog.Do(func() {
			l.Log.Errorf("Error detecting expressions: %v", c.err)
		})
		l.updateStats(func(s *loopStats) { s.Failures++ })
		l.sendToWatchers(Event{Kind: EventFailed, Seq: c.seq, Time: time.Now(), Err: c.err})
		return
	}
	l.consecutiveFailures = 0

	if l.config.SequenceGuard && c.seq < l.lastRenderedSeq {
		l.updateStats(func(s *loopStats) { s.DroppedStale++ })
		l.sendToWatchers(Event{Kind: EventDropped, Seq: c.seq, Time: time.Now()})
		return
	}

	var batch []nn.Detection
	working := l.displaySize
	if c.result != nil {
		batch = c.result.Detections
		if !c.result.ImageSize().IsZero() {
			working = c.result.ImageSize()
		}
	}
	batch = nn.Remap(batch, working, l.displaySize)

	l.surface.Clear()
	l.renderer.Render(l.surface, batch, l.displaySize)
	l.surface.Present()
	l.lastRenderedSeq = c.seq

	now := time.Now()
	l.updateStats(func(s *loopStats) {
		s.Renders++
		s.LastRenderedAt = now
	})
	l.sendToWatchers(Event{Kind: EventRendered, Seq: c.seq, Time: now, Detections: len(batch)})
}
