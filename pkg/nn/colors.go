package nn

import (
	"image/color"

	"golang.org/x/image/colornames"
)

// ExpressionColorMap assigns a box color to each expression.
// Lookups never fail: anything that isn't in the map gets Default.
type ExpressionColorMap struct {
	colors  map[Expression]color.RGBA
	Default color.RGBA
}

// DefaultColorMap is the palette of the overlay. It's read-only after init.
var DefaultColorMap = NewExpressionColorMap(map[Expression]color.RGBA{
	Happy:     colornames.Yellow,
	Sad:       colornames.Blue,
	Angry:     colornames.Red,
	Fearful:   colornames.Purple,
	Disgusted: colornames.Gray,
	Surprised: colornames.Orange,
	Neutral:   colornames.Green,
}, colornames.White)

// Create a color map. The map is copied, so the caller may reuse 'colors'.
func NewExpressionColorMap(colors map[Expression]color.RGBA, def color.RGBA) *ExpressionColorMap {
	m := &ExpressionColorMap{
		colors:  make(map[Expression]color.RGBA, len(colors)),
		Default: def,
	}
	for k, v := range colors {
		m.colors[k] = v
	}
	return m
}

func (m *ExpressionColorMap) Color(e Expression) color.RGBA {
	if c, ok := m.colors[e]; ok {
		return c
	}
	return m.Default
}

func (c Classification) Color(m *ExpressionColorMap) color.RGBA {
	return m.Color(c.Label)
}
