package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	"github.com/cyclopcam/moodlens/pkg/nn"
	"golang.org/x/image/draw"
)

// ImageSource plays a single still image, forever
type ImageSource struct {
	frame       *nn.Frame
	playing     chan struct{}
	playingOnce sync.Once
}

func NewImageSource(img image.Image) *ImageSource {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &ImageSource{
		frame: &nn.Frame{
			ID:    1,
			Image: rgba,
			PTS:   time.Now(),
		},
		playing: make(chan struct{}),
	}
}

// Load a jpeg or png file
func LoadImageSource(filename string) (*ImageSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCameraAccess, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: Error decoding %v: %w", ErrCameraAccess, filename, err)
	}
	return NewImageSource(img), nil
}

func (s *ImageSource) Start(ctx context.Context) error {
	s.playingOnce.Do(func() { close(s.playing) })
	return nil
}

func (s *ImageSource) Playing() <-chan struct{} {
	return s.playing
}

func (s *ImageSource) NativeSize() nn.Size {
	return s.frame.Size()
}

func (s *ImageSource) CurrentFrame() *nn.Frame {
	return s.frame
}

func (s *ImageSource) Close() {
}
