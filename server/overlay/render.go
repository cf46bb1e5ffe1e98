package overlay

import (
	"image/color"

	"github.com/cyclopcam/moodlens/pkg/nn"
	"golang.org/x/image/colornames"
)

const (
	DefaultLineWidth            = 2
	DefaultMinDistributionScore = 0.1
	labelPadding                = 2
)

// Surface is the overlay layer that sits on top of the video.
// Everything except Present is only ever called from the loop goroutine.
type Surface interface {
	Size() nn.Size
	Clear()
	StrokeRect(r nn.Rect, c color.Color, lineWidth float64)
	FillRect(r nn.Rect, c color.Color)
	DrawText(text string, x, y float64, c color.Color) // (x,y) is the top-left corner of the text
	TextSize(text string) (w, h float64)
	Present() // Publish everything drawn since the last Clear
}

// Renderer draws a labelled, color coded box for every detection in a batch
type Renderer struct {
	Colors               *nn.ExpressionColorMap
	LineWidth            float64
	ShowDistribution     bool    // Also list every expression's score underneath the box
	MinDistributionScore float32 // Expressions below this score are left out of the distribution
	TextColor            color.RGBA
	DistributionBack     color.RGBA
}

func NewRenderer() *Renderer {
	return &Renderer{
		Colors:               nn.DefaultColorMap,
		LineWidth:            DefaultLineWidth,
		MinDistributionScore: DefaultMinDistributionScore,
		TextColor:            colornames.Black,
		DistributionBack:     color.RGBA{0, 0, 0, 160},
	}
}

// Render draws the batch. It does not clear the surface, and it does not modify the batch.
func (r *Renderer) Render(s Surface, batch []nn.Detection, size nn.Size) {
	for _, d := range batch {
		r.drawDetection(s, d, size)
	}
}

func (r *Renderer) colors() *nn.ExpressionColorMap {
	if r.Colors == nil {
		return nn.DefaultColorMap
	}
	return r.Colors
}

func (r *Renderer) drawDetection(s Surface, d nn.Detection, size nn.Size) {
	box := d.Box.Clip(size)
	if box.Area() <= 0 {
		return
	}
	colors := r.colors()
	cls, ok := nn.Classify(d.Expressions)
	boxColor := colors.Default
	if ok {
		boxColor = cls.Color(colors)
	}
	s.StrokeRect(box, boxColor, r.LineWidth)
	if ok {
		r.drawLabel(s, box, cls.Caption(), boxColor)
	}
	if r.ShowDistribution {
		r.drawDistribution(s, box, d.Expressions, size)
	}
}

// The label sits on top of the box, unless the box touches the top of the image,
// in which case we move it inside.
func (r *Renderer) drawLabel(s Surface, box nn.Rect, caption string, back color.RGBA) {
	tw, th := s.TextSize(caption)
	bw := float32(tw + 2*labelPadding)
	bh := float32(th + 2*labelPadding)
	y := box.Y - bh
	if y < 0 {
		y = box.Y
	}
	s.FillRect(nn.Rect{X: box.X, Y: y, Width: bw, Height: bh}, back)
	s.DrawText(caption, float64(box.X)+labelPadding, float64(y)+labelPadding, r.TextColor)
}

func (r *Renderer) drawDistribution(s Surface, box nn.Rect, scores nn.ExpressionScores, size nn.Size) {
	var lines []nn.Classification
	maxWidth := 0.0
	lineHeight := 0.0
	for _, e := range scores.Ordered() {
		if scores[e] < r.MinDistributionScore {
			continue
		}
		line := nn.Classification{Label: e, Score: scores[e]}
		w, h := s.TextSize(line.Caption())
		maxWidth = max(maxWidth, w)
		lineHeight = max(lineHeight, h)
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}

	lineHeight += labelPadding
	height := float32(lineHeight*float64(len(lines)) + labelPadding)
	y := box.Y2() + labelPadding
	if y+height > float32(size.Height) {
		// No room below the box
		y = max(0, box.Y2()-height)
	}
	s.FillRect(nn.Rect{X: box.X, Y: y, Width: float32(maxWidth + 2*labelPadding), Height: height}, r.DistributionBack)
	colors := r.colors()
	for i, line := range lines {
		ty := float64(y) + labelPadding + float64(i)*lineHeight
		s.DrawText(line.Caption(), float64(box.X)+labelPadding, ty, line.Color(colors))
	}
}
