package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

type Camera struct {
	Device         string `json:"device" validate:"required_without=Image"` // eg /dev/video0, or a video file
	Format         string `json:"format"`                                   // ffmpeg input format, eg v4l2
	Image          string `json:"image"`                                    // Play a still jpeg/png instead of a camera
	Realtime       bool   `json:"realtime"`                                 // Read video files at their native frame rate
	Width          int    `json:"width" validate:"gte=0"`                   // Assumed resolution if the camera can't be probed
	Height         int    `json:"height" validate:"gte=0"`                  // Assumed resolution if the camera can't be probed
	StartTimeoutMS int    `json:"startTimeoutMS" validate:"gte=0"`          // Give up if the camera hasn't produced a frame after this long
}

type Models struct {
	Dir             string `json:"dir" validate:"required"`             // Directory holding <model>.json and its weights
	FaceModel       string `json:"faceModel" validate:"required"`       // eg tiny_face_detector_model
	ExpressionModel string `json:"expressionModel" validate:"required"` // eg face_expression_model
	BaseURL         string `json:"baseURL" validate:"omitempty,url"`    // Download missing model files from here
}

type Worker struct {
	Command  []string `json:"command" validate:"required,min=1"` // eg ["python3", "-u", "python/expressions.py"]
	Workers  int      `json:"workers" validate:"gte=1,lte=32"`   // Number of worker processes
	Width    int      `json:"width" validate:"gte=0"`            // Working resolution. Zero means native.
	Height   int      `json:"height" validate:"gte=0"`           // Working resolution. Zero means native.
	MergeIoU float32  `json:"mergeIoU" validate:"gte=0,lte=1"`   // Merge duplicate faces that overlap by at least this much. Zero disables.
}

type Overlay struct {
	IntervalMS       int  `json:"intervalMS" validate:"gt=0"`    // Minimum time between detection calls
	RefreshMS        int  `json:"refreshMS" validate:"gt=0"`     // Display refresh period
	SequenceGuard    bool `json:"sequenceGuard"`                 // Discard completions older than the last one drawn
	FailureBackoff   bool `json:"failureBackoff"`                // Slow down after consecutive detection failures
	MaxBackoffMS     int  `json:"maxBackoffMS" validate:"gte=0"` // Cap on the backed-off interval
	ShowDistribution bool `json:"showDistribution"`              // Draw every expression's score, not just the winner
}

type Display struct {
	Enabled    bool   `json:"enabled"`    // Open an ffplay window
	FFplayPath string `json:"ffplayPath"` // Default "ffplay"
	Title      string `json:"title"`
}

type Config struct {
	Camera  Camera  `json:"camera"`
	Models  Models  `json:"models"`
	Worker  Worker  `json:"worker"`
	Overlay Overlay `json:"overlay"`
	Display Display `json:"display"`
}

func Default() *Config {
	return &Config{
		Camera: Camera{
			Device:         "/dev/video0",
			Format:         "v4l2",
			Width:          720,
			Height:         560,
			StartTimeoutMS: 10000,
		},
		Models: Models{
			Dir:             "models",
			FaceModel:       "tiny_face_detector_model",
			ExpressionModel: "face_expression_model",
		},
		Worker: Worker{
			Command:  []string{"python3", "-u", "python/expressions.py"},
			Workers:  2,
			MergeIoU: 0.6,
		},
		Overlay: Overlay{
			IntervalMS:   50,
			RefreshMS:    16,
			MaxBackoffMS: 2000,
		},
		Display: Display{
			Enabled:    true,
			FFplayPath: "ffplay",
			Title:      "moodlens",
		},
	}
}

// Load a JSON config file. Anything that isn't in the file keeps its default value.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := jsoniter.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("Invalid config: %w", err)
	}
	return nil
}

func (o *Overlay) Interval() time.Duration {
	return time.Duration(o.IntervalMS) * time.Millisecond
}

func (o *Overlay) Refresh() time.Duration {
	return time.Duration(o.RefreshMS) * time.Millisecond
}

func (o *Overlay) MaxBackoff() time.Duration {
	return time.Duration(o.MaxBackoffMS) * time.Millisecond
}

func (c *Camera) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMS) * time.Millisecond
}
