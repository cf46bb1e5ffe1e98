// Package nnload knows where our two models live on disk, how to fetch them if they're
// missing, and how to wait until both of them are loaded before anything tries to run
// inference. See Bootstrap.
package nnload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/iox"
	"github.com/cyclopcam/moodlens/pkg/nn"
)

// Names of the standard load tasks
const (
	TaskFaceDetector     = "faceDetector"
	TaskExpressionModel  = "expressionModel"
	DefaultFaceModel     = "tiny_face_detector_model"
	DefaultExpressionNet = "face_expression_model"
)

var ErrModelLoad = errors.New("model load failed")

// ModelLocation describes where to find a model
type ModelLocation struct {
	Dir     string // Directory holding <name>.json and the weights file
	Name    string // eg "tiny_face_detector_model"
	BaseURL string // If not empty, missing files are downloaded from BaseURL/<file>
}

func (l ModelLocation) configFile() string {
	return filepath.Join(l.Dir, l.Name+".json")
}

func downloadFile(ctx context.Context, srcUrl, targetFile string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", srcUrl, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	return iox.WriteStreamToFile(targetFile, resp.Body)
}

// If the file is not yet on disk, and we have a BaseURL, then download it now.
// Returns immediately if the file is already present.
func ensureFile(ctx context.Context, log logs.Log, loc ModelLocation, filename string) error {
	diskPath := filepath.Join(loc.Dir, filename)
	_, err := os.Stat(diskPath)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) || loc.BaseURL == "" {
		return err
	}
	networkUrl := loc.BaseURL + "/" + filename
	log.Infof("Downloading %v to %v", networkUrl, diskPath)
	return downloadFile(ctx, networkUrl, diskPath)
}

// LoadModel reads the model's JSON config and checks that its weights are present.
// The weights themselves are opaque to us. They are consumed by the detection worker.
func LoadModel(ctx context.Context, log logs.Log, loc ModelLocation) (*nn.ModelConfig, error) {
	if err := ensureFile(ctx, log, loc, loc.Name+".json"); err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrModelLoad, loc.Name, err)
	}
	config, err := nn.LoadModelConfig(loc.configFile())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if config.Weights == "" {
		// face-api.js style naming: <name>.json is the manifest and <name>.bin the single shard
		config.Weights = loc.Name + ".bin"
	}
	if err := ensureFile(ctx, log, loc, config.Weights); err != nil {
		return nil, fmt.Errorf("%w: %v weights: %w", ErrModelLoad, loc.Name, err)
	}
	return config, nil
}

// Check that an expression model only emits labels that we can draw.
// Unknown labels are legal (they get the default color), but a model with no
// classes at all can't be an expression classifier.
func validateExpressionModel(log logs.Log, config *nn.ModelConfig) error {
	if len(config.Classes) == 0 {
		return fmt.Errorf("%w: expression model has no classes", ErrModelLoad)
	}
	for _, c := range config.Classes {
		if !nn.Expression(c).IsKnown() {
			log.Warnf("Expression model class '%v' is not in our vocabulary. It will be drawn in the default color", c)
		}
	}
	return nil
}

// ModelTasks returns the two standard load tasks: the face localizer and the expression classifier.
// The loaded configs are written into 'face' and 'expression' when the tasks succeed.
func ModelTasks(log logs.Log, faceLoc, exprLoc ModelLocation, face, expression *nn.ModelConfig) []LoadTask {
	return []LoadTask{
		{
			Name: TaskFaceDetector,
			Load: func(ctx context.Context) error {
				cfg, err := LoadModel(ctx, log, faceLoc)
				if err != nil {
					return err
				}
				if face != nil {
					*face = *cfg
				}
				return nil
			},
		},
		{
			Name: TaskExpressionModel,
			Load: func(ctx context.Context) error {
				cfg, err := LoadModel(ctx, log, exprLoc)
				if err != nil {
					return err
				}
				if err := validateExpressionModel(log, cfg); err != nil {
					return err
				}
				if expression != nil {
					*expression = *cfg
				}
				return nil
			},
		},
	}
}
