package overlay

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/moodlens/pkg/nn"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

// manualClock delivers ticks only when the test sends them.
// Because the channel is unbuffered, a send only returns once the loop has received the tick,
// and the loop only receives a tick after it has finished with the previous one.
type manualClock struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newManualClock() *manualClock {
	return &manualClock{ch: make(chan time.Time)}
}

func (c *manualClock) Ticks() <-chan time.Time { return c.ch }
func (c *manualClock) Stop()                   { c.stopped.Store(true) }

func (c *manualClock) tick(t *testing.T, at time.Time) {
	select {
	case c.ch <- at:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out delivering tick %v", at)
	}
}

type fakeReadiness bool

func (r fakeReadiness) Ready() bool { return bool(r) }

type fakeSink struct {
	size  nn.Size
	frame atomic.Pointer[nn.Frame]
}

func newFakeSink(w, h int) *fakeSink {
	s := &fakeSink{size: nn.Size{Width: w, Height: h}}
	s.frame.Store(&nn.Frame{ID: 1, Image: image.NewRGBA(image.Rect(0, 0, w, h)), PTS: t0})
	return s
}

func (s *fakeSink) NativeSize() nn.Size     { return s.size }
func (s *fakeSink) CurrentFrame() *nn.Frame { return s.frame.Load() }

type reply struct {
	result *nn.DetectionResult
	err    error
}

// pendingCall is a detection call that blocks until the test releases it
type pendingCall struct {
	frame *nn.Frame
	reply chan reply
}

func (p *pendingCall) release(result *nn.DetectionResult, err error) {
	p.reply <- reply{result, err}
}

// gatedDetector hands every call to the test, which decides when (and how) it completes
type gatedDetector struct {
	calls     chan *pendingCall
	ignoreCtx bool // Simulate a hung backend that doesn't honor cancellation
	nCalls    atomic.Int64
}

func newGatedDetector() *gatedDetector {
	return &gatedDetector{calls: make(chan *pendingCall, 100)}
}

func (d *gatedDetector) Detect(ctx context.Context, frame *nn.Frame) (*nn.DetectionResult, error) {
	d.nCalls.Add(1)
	p := &pendingCall{frame: frame, reply: make(chan reply, 1)}
	d.calls <- p
	if d.ignoreCtx {
		r := <-p.reply
		return r.result, r.err
	}
	select {
	case r := <-p.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *gatedDetector) Close() {}

func (d *gatedDetector) next(t *testing.T) *pendingCall {
	select {
	case p := <-d.calls:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for a detection call")
		return nil
	}
}

// scriptedDetector returns immediately, with results taken from 'script' in order.
// Once the script is exhausted, it returns empty results.
type scriptedDetector struct {
	lock   sync.Mutex
	script []reply
	nCalls atomic.Int64
}

func (d *scriptedDetector) Detect(ctx context.Context, frame *nn.Frame) (*nn.DetectionResult, error) {
	d.nCalls.Add(1)
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.script) == 0 {
		return &nn.DetectionResult{ImageWidth: frame.Size().Width, ImageHeight: frame.Size().Height}, nil
	}
	r := d.script[0]
	d.script = d.script[1:]
	return r.result, r.err
}

func (d *scriptedDetector) Close() {}

var errTransient = errors.New("inference backend hiccup")

// recordingRenderer remembers every batch that it was asked to draw
type recordingRenderer struct {
	lock    sync.Mutex
	batches [][]nn.Detection
}

func (r *recordingRenderer) Render(s Surface, batch []nn.Detection, size nn.Size) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recordingRenderer) all() [][]nn.Detection {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]nn.Detection(nil), r.batches...)
}

type surfaceOp struct {
	op        string
	rect      nn.Rect
	color     color.Color
	lineWidth float64
	text      string
	x, y      float64
}

// recordingSurface remembers every drawing call. Text is 7x13 per character, like basicfont.
type recordingSurface struct {
	lock sync.Mutex
	size nn.Size
	ops  []surfaceOp
}

func newRecordingSurface(w, h int) *recordingSurface {
	return &recordingSurface{size: nn.Size{Width: w, Height: h}}
}

func (s *recordingSurface) add(op surfaceOp) {
	s.lock.Lock()
	s.ops = append(s.ops, op)
	s.lock.Unlock()
}

func (s *recordingSurface) Size() nn.Size { return s.size }
func (s *recordingSurface) Clear()        { s.add(surfaceOp{op: "clear"}) }
func (s *recordingSurface) Present()      { s.add(surfaceOp{op: "present"}) }
func (s *recordingSurface) StrokeRect(r nn.Rect, c color.Color, lineWidth float64) {
	s.add(surfaceOp{op: "stroke", rect: r, color: c, lineWidth: lineWidth})
}
func (s *recordingSurface) FillRect(r nn.Rect, c color.Color) {
	s.add(surfaceOp{op: "fill", rect: r, color: c})
}
func (s *recordingSurface) DrawText(text string, x, y float64, c color.Color) {
	s.add(surfaceOp{op: "text", text: text, x: x, y: y, color: c})
}
func (s *recordingSurface) TextSize(text string) (float64, float64) {
	return float64(7 * len(text)), 13
}

func (s *recordingSurface) byOp(op string) []surfaceOp {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []surfaceOp
	for _, o := range s.ops {
		if o.op == op {
			out = append(out, o)
		}
	}
	return out
}

func waitForEvent(t *testing.T, ch chan Event, kind EventKind) Event {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %v event", kind)
			return Event{}
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func faceAt(x float32, scores nn.ExpressionScores) nn.Detection {
	return nn.Detection{
		Box:         nn.Rect{X: x, Y: 100, Width: 50, Height: 60},
		Expressions: scores,
	}
}

// drainEvents returns every event that is already waiting in ch, without blocking
func drainEvents(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
