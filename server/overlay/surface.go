package overlay

import (
	"image"
	"image/color"
	"sync"

	"github.com/cyclopcam/moodlens/pkg/nn"
	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/basicfont"
)

// GGSurface is a Surface backed by a gg drawing context.
// Drawing happens on a back buffer. Present copies it to the front buffer, which is
// what the display composites over the video. This means the display never sees a
// half drawn overlay.
type GGSurface struct {
	size nn.Size
	back *image.RGBA
	dc   *gg.Context

	frontLock sync.Mutex // Guards front
	front     *image.RGBA
}

func NewGGSurface(size nn.Size) *GGSurface {
	bounds := image.Rect(0, 0, size.Width, size.Height)
	back := image.NewRGBA(bounds)
	dc := gg.NewContextForRGBA(back)
	dc.SetFontFace(basicfont.Face7x13)
	return &GGSurface{
		size:  size,
		back:  back,
		dc:    dc,
		front: image.NewRGBA(bounds),
	}
}

func (s *GGSurface) Size() nn.Size {
	return s.size
}

func (s *GGSurface) Clear() {
	s.dc.SetColor(color.Transparent)
	s.dc.Clear()
}

func (s *GGSurface) StrokeRect(r nn.Rect, c color.Color, lineWidth float64) {
	s.dc.SetColor(c)
	s.dc.SetLineWidth(lineWidth)
	s.dc.DrawRectangle(float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height))
	s.dc.Stroke()
}

func (s *GGSurface) FillRect(r nn.Rect, c color.Color) {
	s.dc.SetColor(c)
	s.dc.DrawRectangle(float64(r.X), float64(r.Y), float64(r.Width), float64(r.Height))
	s.dc.Fill()
}

func (s *GGSurface) DrawText(text string, x, y float64, c color.Color) {
	s.dc.SetColor(c)
	s.dc.DrawStringAnchored(text, x, y, 0, 1)
}

func (s *GGSurface) TextSize(text string) (w, h float64) {
	return s.dc.MeasureString(text)
}

func (s *GGSurface) Present() {
	s.frontLock.Lock()
	copy(s.front.Pix, s.back.Pix)
	s.frontLock.Unlock()
}

// Snapshot returns a copy of the most recently presented overlay
func (s *GGSurface) Snapshot() *image.RGBA {
	s.frontLock.Lock()
	defer s.frontLock.Unlock()
	img := image.NewRGBA(s.front.Rect)
	copy(img.Pix, s.front.Pix)
	return img
}

// CompositeOnto draws the most recently presented overlay on top of dst
func (s *GGSurface) CompositeOnto(dst draw.Image) {
	s.frontLock.Lock()
	defer s.frontLock.Unlock()
	draw.Draw(dst, dst.Bounds(), s.front, image.Point{}, draw.Over)
}
