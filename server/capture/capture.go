// Package capture produces the video frames that we detect expressions on.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/cyclopcam/moodlens/pkg/nn"
)

var ErrCameraAccess = errors.New("camera access failed")

// Source is a single video stream.
// Start blocks until the first frame is available (at which point Playing is closed), or fails.
type Source interface {
	Start(ctx context.Context) error
	Playing() <-chan struct{} // Closed once the first frame is available
	NativeSize() nn.Size      // Valid once playing
	CurrentFrame() *nn.Frame  // Most recent frame, or nil if we haven't received one yet
	Close()
}

// frameSlot holds the most recent frame. A new frame replaces the old one,
// whether or not anybody looked at the old one.
type frameSlot struct {
	lock      sync.Mutex
	frame     *nn.Frame
	taken     bool
	published int64
	drops     int64 // Frames that were replaced before anybody read them
}

func (s *frameSlot) publish(f *nn.Frame) {
	s.lock.Lock()
	if s.frame != nil && !s.taken {
		s.drops++
	}
	s.frame = f
	s.taken = false
	s.published++
	s.lock.Unlock()
}

func (s *frameSlot) current() *nn.Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.taken = true
	return s.frame
}

// SlotStats counts frames going through a source
type SlotStats struct {
	Published int64
	Drops     int64
}

func (s *frameSlot) stats() SlotStats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return SlotStats{
		Published: s.published,
		Drops:     s.drops,
	}
}
