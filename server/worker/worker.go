// Package worker runs face and expression detection in child processes.
//
// A worker is a child process that reads requests on stdin and writes responses on file
// descriptor 3, so that anything the model runtime prints to stdout can't corrupt the stream.
//
// Request:  [u32 length] [u32 width] [u32 height] [width*height*3 bytes of RGB]
// Response: [u32 length] [u8 status] [body]
//
// All integers are big endian. A status of 0 means the body is a JSON array of detections,
// eg [{"box":{"x":1,"y":2,"width":3,"height":4},"expressions":{"happy":0.9,"sad":0.1}}].
// Any other status means the body is a UTF-8 error message.
package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/cyclopcam/moodlens/pkg/nn"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/image/draw"
)

var ErrWorker = errors.New("detection worker failed")

const (
	StatusOK    = 0
	StatusError = 1
)

// Refuse absurd response lengths, which mean that the stream is out of sync
const maxResponseSize = 16 * 1024 * 1024

// RemoteError is an error that the worker reported.
// The worker is still healthy, and can process more frames.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "Worker: " + e.Message
}

type PythonWorker struct {
	ID       int
	Cmd      *SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// Launch a worker process. command[0] is the executable.
func NewPythonWorker(id int, command []string) (*PythonWorker, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: no worker command", ErrWorker)
	}
	py := NewSafeCommand(command[0], command[1:]...)

	// FD 3 in the child
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Send one request, and wait for the response
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// This is where we see a crashed worker
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("response of %v bytes is too large", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect faces and expressions in the frame.
// If working is not zero, the frame is resized to working before it is sent.
// Returns the detections, and the resolution that they're expressed in.
func (w *PythonWorker) Detect(frame *nn.Frame, working nn.Size) ([]nn.Detection, nn.Size, error) {
	img := prepareImage(frame.Image, working)
	size := nn.Size{Width: img.Rect.Dx(), Height: img.Rect.Dy()}
	resp, err := w.Communicate(encodeRequest(img))
	if err != nil {
		return nil, size, err
	}
	detections, err := decodeResponse(resp)
	return detections, size, err
}

// Kill the process, which unblocks any call that is waiting on it
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Stderr returns whatever the worker has written to stderr
func (w *PythonWorker) Stderr() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

// Scale the image to 'working', unless working is zero or the image is already that size
func prepareImage(img *image.RGBA, working nn.Size) *image.RGBA {
	b := img.Bounds()
	if working.IsZero() || (b.Dx() == working.Width && b.Dy() == working.Height) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, working.Width, working.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst
}

// Request body: [u32 width] [u32 height] [RGB]
func encodeRequest(img *image.RGBA) []byte {
	width := img.Rect.Dx()
	height := img.Rect.Dy()
	buf := make([]byte, 8+width*height*3)
	binary.BigEndian.PutUint32(buf[0:], uint32(width))
	binary.BigEndian.PutUint32(buf[4:], uint32(height))
	out := buf[8:]
	for y := 0; y < height; y++ {
		row := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		src := img.Pix[row : row+width*4]
		dst := out[y*width*3 : (y+1)*width*3]
		for x := 0; x < width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return buf
}

func decodeResponse(resp []byte) ([]nn.Detection, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	switch resp[0] {
	case StatusOK:
		detections := []nn.Detection{}
		if err := jsoniter.Unmarshal(resp[1:], &detections); err != nil {
			return nil, fmt.Errorf("Invalid detection JSON: %w", err)
		}
		return detections, nil
	case StatusError:
		return nil, &RemoteError{Message: string(resp[1:])}
	}
	return nil, fmt.Errorf("unknown response status %v", resp[0])
}
