// Package nn is the interface layer between the overlay and the face/expression models.
// The models themselves are opaque. To load them, use the nnload package.
package nn

import (
	"context"
	"fmt"
	"image"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Frame is a single decoded video frame
type Frame struct {
	ID    int64       // Monotonically increasing per source. Zero is never a valid frame ID.
	Image *image.RGBA // Pixels. Must not be modified once the frame has been published.
	PTS   time.Time   // When the frame was captured
}

func (f *Frame) Size() Size {
	b := f.Image.Bounds()
	return Size{Width: b.Dx(), Height: b.Dy()}
}

// Results of one run of the face + expression models
type DetectionResult struct {
	ImageWidth  int         `json:"imageWidth"`  // Resolution that the boxes are expressed in
	ImageHeight int         `json:"imageHeight"` // Resolution that the boxes are expressed in
	Detections  []Detection `json:"detections"`
	FramePTS    time.Time   `json:"framePTS"`
}

func (r *DetectionResult) ImageSize() Size {
	return Size{Width: r.ImageWidth, Height: r.ImageHeight}
}

// ExpressionDetector finds faces in a frame, and scores each face's expression.
// Detect is expensive (tens of milliseconds), and may be called again before a previous
// call has returned. On success the result is never nil, but it may hold zero detections.
type ExpressionDetector interface {
	Detect(ctx context.Context, frame *Frame) (*DetectionResult, error)

	// Close releases the detector. You must not call Detect after Close.
	Close()
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "tiny_face_detector"
	Width        int      `json:"width"`        // eg 416
	Height       int      `json:"height"`       // eg 416
	Classes      []string `json:"classes"`      // eg ["neutral", "happy", ...]. Empty for pure face localizers.
	Weights      string   `json:"weights"`      // Weights file, relative to the JSON file
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = jsoniter.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Invalid model config %v: %w", filename, err)
	}
	return config, nil
}
