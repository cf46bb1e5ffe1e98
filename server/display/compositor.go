package display

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
	"golang.org/x/image/draw"
)

// FrameSource is the video that we're displaying
type FrameSource interface {
	CurrentFrame() *nn.Frame
}

// OverlayLayer is drawn on top of the video
type OverlayLayer interface {
	CompositeOnto(dst draw.Image)
}

// Compositor draws the latest video frame with the overlay on top, and sends the result to a sink
type Compositor struct {
	Log     logs.Log
	source  FrameSource
	overlay OverlayLayer
	sink    FrameSink
	size    nn.Size
	canvas  *image.RGBA

	mustStop      atomic.Bool
	looperStopped chan bool
	framesWritten atomic.Int64
}

func NewCompositor(log logs.Log, source FrameSource, overlay OverlayLayer, sink FrameSink, size nn.Size) *Compositor {
	return &Compositor{
		Log:     log,
		source:  source,
		overlay: overlay,
		sink:    sink,
		size:    size,
		canvas:  image.NewRGBA(image.Rect(0, 0, size.Width, size.Height)),
	}
}

// Compose the current frame and overlay into the canvas.
// Returns nil if there is no video frame yet.
func (c *Compositor) compose() *image.RGBA {
	frame := c.source.CurrentFrame()
	if frame == nil {
		return nil
	}
	src := frame.Image
	if src.Rect.Dx() == c.size.Width && src.Rect.Dy() == c.size.Height {
		draw.Draw(c.canvas, c.canvas.Rect, src, src.Rect.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(c.canvas, c.canvas.Rect, src, src.Rect, draw.Src, nil)
	}
	c.overlay.CompositeOnto(c.canvas)
	return c.canvas
}

func (c *Compositor) Start(refresh time.Duration) {
	c.mustStop.Store(false)
	c.looperStopped = make(chan bool)
	go c.loop(refresh)
}

// Stop the compositor, and close the sink.
// The sink is closed first, to unblock a WriteFrame that is stuck on a stalled display.
func (c *Compositor) Stop() {
	c.mustStop.Store(true)
	c.sink.Close()
	<-c.looperStopped
}

func (c *Compositor) FramesWritten() int64 {
	return c.framesWritten.Load()
}

func (c *Compositor) loop(refresh time.Duration) {
	defer close(c.looperStopped)
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for !c.mustStop.Load() {
		<-ticker.C
		img := c.compose()
		if img == nil {
			continue
		}
		if err := c.sink.WriteFrame(img); err != nil {
			if !c.mustStop.Load() {
				c.Log.Warnf("Display stopped: %v", err)
			}
			return
		}
		c.framesWritten.Add(1)
	}
}
