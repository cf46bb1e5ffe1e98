package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
	"github.com/cyclopcam/moodlens/pkg/shell"
	jsoniter "github.com/json-iterator/go"
)

const DefaultStartTimeout = 10 * time.Second

type FFmpegConfig struct {
	FFmpegPath   string        // Default "ffmpeg"
	FFprobePath  string        // Default "ffprobe"
	Device       string        // eg /dev/video0, or a video file
	Format       string        // ffmpeg input format, eg "v4l2". Empty lets ffmpeg guess.
	Realtime     bool          // Read input at its native frame rate (-re). Use this for video files.
	FallbackSize nn.Size       // Used when ffprobe can't tell us the resolution
	StartTimeout time.Duration // Maximum time to wait for the first frame
}

// FFmpegSource decodes a camera (or video file) with an ffmpeg child process,
// which emits raw RGBA frames on its stdout.
type FFmpegSource struct {
	Log    logs.Log
	config FFmpegConfig

	size        nn.Size
	slot        frameSlot
	playing     chan struct{}
	playingOnce sync.Once

	cancel        context.CancelFunc
	readerStopped chan bool
	closeOnce     sync.Once
}

func NewFFmpegSource(log logs.Log, config FFmpegConfig) *FFmpegSource {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.FFprobePath == "" {
		config.FFprobePath = "ffprobe"
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	return &FFmpegSource{
		Log:     log,
		config:  config,
		playing: make(chan struct{}),
	}
}

type ffprobeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

func parseProbe(out []byte) (nn.Size, error) {
	var res ffprobeOutput
	if err := jsoniter.Unmarshal(out, &res); err != nil {
		return nn.Size{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nn.Size{}, fmt.Errorf("ffprobe found no video streams")
	}
	size := nn.Size{Width: res.Streams[0].Width, Height: res.Streams[0].Height}
	if size.IsZero() {
		return nn.Size{}, fmt.Errorf("ffprobe reported an invalid resolution %v x %v", size.Width, size.Height)
	}
	return size, nil
}

func (s *FFmpegSource) probe(ctx context.Context) (nn.Size, error) {
	args := []string{"-v", "error", "-select_streams", "v:0", "-show_entries", "stream=width,height", "-of", "json"}
	if s.config.Format != "" {
		args = append(args, "-f", s.config.Format)
	}
	args = append(args, s.config.Device)
	out, err := shell.Run(ctx, s.config.FFprobePath, args...)
	if err != nil {
		return nn.Size{}, err
	}
	return parseProbe(out)
}

func (s *FFmpegSource) ffmpegArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if s.config.Format != "" {
		args = append(args, "-f", s.config.Format)
	}
	if s.config.Realtime {
		args = append(args, "-re")
	}
	args = append(args, "-i", s.config.Device,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(s.size.Width)+"x"+strconv.Itoa(s.size.Height),
		"-")
	return args
}

// Start ffmpeg, and wait for the first frame
func (s *FFmpegSource) Start(ctx context.Context) error {
	size, err := s.probe(ctx)
	if err != nil {
		if s.config.FallbackSize.IsZero() {
			return fmt.Errorf("%w: Error probing %v: %w", ErrCameraAccess, s.config.Device, err)
		}
		s.Log.Warnf("Unable to probe %v (%v). Assuming %v x %v", s.config.Device, err, s.config.FallbackSize.Width, s.config.FallbackSize.Height)
		size = s.config.FallbackSize
	}
	s.size = size

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, s.config.FFmpegPath, s.ffmpegArgs()...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrCameraAccess, err)
	}
	s.Log.Infof("Starting %v %v", s.config.FFmpegPath, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: Error starting %v: %w", ErrCameraAccess, s.config.FFmpegPath, err)
	}
	s.cancel = cancel
	s.readerStopped = make(chan bool)

	failed := make(chan error, 1)
	go func() {
		defer close(s.readerStopped)
		err := s.readFrames(stdout)
		waitErr := cmd.Wait()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w (ffmpeg: %v)", err, msg)
		} else if waitErr != nil {
			err = fmt.Errorf("%w (%v)", err, waitErr)
		}
		if runCtx.Err() == nil {
			s.Log.Errorf("Video capture from %v stopped: %v", s.config.Device, err)
		}
		failed <- err
	}()

	select {
	case <-s.playing:
		s.Log.Infof("Video capture from %v is playing at %v x %v", s.config.Device, size.Width, size.Height)
		return nil
	case err := <-failed:
		s.Close()
		return fmt.Errorf("%w: %v: %w", ErrCameraAccess, s.config.Device, err)
	case <-time.After(s.config.StartTimeout):
		s.Close()
		return fmt.Errorf("%w: No frames from %v after %v", ErrCameraAccess, s.config.Device, s.config.StartTimeout)
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Read whole frames until the stream ends
func (s *FFmpegSource) readFrames(r io.Reader) error {
	frameBytes := s.size.Width * s.size.Height * 4
	var id int64
	for {
		img := image.NewRGBA(image.Rect(0, 0, s.size.Width, s.size.Height))
		if _, err := io.ReadFull(r, img.Pix[:frameBytes]); err != nil {
			if err == io.EOF {
				return fmt.Errorf("end of stream after %v frames", id)
			}
			return err
		}
		id++
		s.slot.publish(&nn.Frame{
			ID:    id,
			Image: img,
			PTS:   time.Now(),
		})
		s.playingOnce.Do(func() { close(s.playing) })
	}
}

func (s *FFmpegSource) Playing() <-chan struct{} {
	return s.playing
}

func (s *FFmpegSource) NativeSize() nn.Size {
	return s.size
}

func (s *FFmpegSource) CurrentFrame() *nn.Frame {
	return s.slot.current()
}

func (s *FFmpegSource) Stats() SlotStats {
	return s.slot.stats()
}

// Close kills ffmpeg, and waits for the reader to exit
func (s *FFmpegSource) Close() {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.readerStopped
	})
}
