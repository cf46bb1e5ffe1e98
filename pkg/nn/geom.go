package nn

// Size is a width and height in pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Rect is a box in pixel coordinates.
// Face detectors produce sub-pixel boxes, so we keep them as float32 until we draw.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (r Rect) Area() float32 {
	return r.Width * r.Height
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	union := r.Area() + b.Area() - r.Intersection(b).Area()
	if union <= 0 {
		return 0
	}
	return r.Intersection(b).Area() / union
}

// Clip the rectangle so that it lies inside an image of the given size
func (r Rect) Clip(size Size) Rect {
	return r.Intersection(Rect{Width: float32(size.Width), Height: float32(size.Height)})
}

// ResizeTransform maps coordinates from one image resolution to another.
// Detections come back in the resolution that the detector worked at, and we
// need them in the resolution of the display surface.
type ResizeTransform struct {
	OffsetX float32
	OffsetY float32
	ScaleX  float32
	ScaleY  float32
}

func IdentityResizeTransform() ResizeTransform {
	return ResizeTransform{
		ScaleX: 1,
		ScaleY: 1,
	}
}

// Create a transform that maps coordinates in 'from' to coordinates in 'to'.
// If either size is empty, we return the identity.
func NewResizeTransform(from, to Size) ResizeTransform {
	if from.IsZero() || to.IsZero() || from == to {
		return IdentityResizeTransform()
	}
	return ResizeTransform{
		ScaleX: float32(to.Width) / float32(from.Width),
		ScaleY: float32(to.Height) / float32(from.Height),
	}
}

func (t ResizeTransform) IsIdentity() bool {
	return t.OffsetX == 0 && t.OffsetY == 0 && t.ScaleX == 1 && t.ScaleY == 1
}

func (t ResizeTransform) ApplyRect(r Rect) Rect {
	if t.IsIdentity() {
		return r
	}
	return Rect{
		X:      r.X*t.ScaleX + t.OffsetX,
		Y:      r.Y*t.ScaleY + t.OffsetY,
		Width:  r.Width * t.ScaleX,
		Height: r.Height * t.ScaleY,
	}
}

// Apply returns a new batch with every box transformed.
// The input slice is not modified, and the score maps are shared, because
// nobody mutates them after the detector hands them over.
func (t ResizeTransform) Apply(batch []Detection) []Detection {
	out := make([]Detection, len(batch))
	for i, d := range batch {
		out[i] = Detection{
			Box:         t.ApplyRect(d.Box),
			Expressions: d.Expressions,
		}
	}
	return out
}

// Remap a detection batch from the detector's working resolution to the display resolution.
// When the two are equal this is the identity, so remapping twice is the same as remapping once.
func Remap(batch []Detection, working, display Size) []Detection {
	return NewResizeTransform(working, display).Apply(batch)
}
