// Package display shows the video, with the expression overlay on top of it.
package display

import (
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
)

// FrameSink accepts composited frames
type FrameSink interface {
	WriteFrame(img *image.RGBA) error
	Close()
}

type FFplayConfig struct {
	FFplayPath string // Default "ffplay"
	Title      string
	Size       nn.Size
	FPS        int
}

// FFplaySink pipes raw RGBA frames into an ffplay window
type FFplaySink struct {
	Log    logs.Log
	config FFplayConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	closeOnce sync.Once
}

func ffplayArgs(config FFplayConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-window_title", config.Title,
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", strconv.Itoa(config.Size.Width) + "x" + strconv.Itoa(config.Size.Height),
		"-framerate", strconv.Itoa(config.FPS),
		"-i", "-",
	}
}

func NewFFplaySink(log logs.Log, config FFplayConfig) (*FFplaySink, error) {
	if config.FFplayPath == "" {
		config.FFplayPath = "ffplay"
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.Size.IsZero() {
		return nil, fmt.Errorf("Invalid display size %v x %v", config.Size.Width, config.Size.Height)
	}
	cmd := exec.Command(config.FFplayPath, ffplayArgs(config)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Error starting %v: %w", config.FFplayPath, err)
	}
	s := &FFplaySink{
		Log:    log,
		config: config,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Infof("ffplay exited: %v", err)
		}
		close(s.exited)
	}()
	return s, nil
}

// Exited is closed when the ffplay process exits, which is usually because the user closed the window
func (s *FFplaySink) Exited() <-chan struct{} {
	return s.exited
}

func (s *FFplaySink) WriteFrame(img *image.RGBA) error {
	w := s.config.Size.Width
	h := s.config.Size.Height
	if img.Rect.Dx() != w || img.Rect.Dy() != h {
		return fmt.Errorf("Frame is %v x %v, but the display is %v x %v", img.Rect.Dx(), img.Rect.Dy(), w, h)
	}
	if img.Stride == w*4 {
		_, err := s.stdin.Write(img.Pix[:w*h*4])
		return err
	}
	for y := 0; y < h; y++ {
		if _, err := s.stdin.Write(img.Pix[y*img.Stride : y*img.Stride+w*4]); err != nil {
			return err
		}
	}
	return nil
}

func (s *FFplaySink) Close() {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-s.exited
	})
}
