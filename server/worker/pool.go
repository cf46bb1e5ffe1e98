package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/pkg/nn"
)

// detectWorker is the part of PythonWorker that the pool needs
type detectWorker interface {
	Detect(frame *nn.Frame, working nn.Size) ([]nn.Detection, nn.Size, error)
	Kill()
	Close()
	Stderr() string
}

type PoolConfig struct {
	Command     []string // Worker command line, eg ["python3", "-u", "python/expressions.py", "--models", "models"]
	Workers     int      // Number of worker processes, and therefore the number of calls that can run at once
	WorkingSize nn.Size  // Frames are resized to this before detection. Zero means native resolution.
	MergeIoU    float32  // If > 0, overlapping faces with at least this IoU are merged into one. See nn.MergeDuplicateFaces.
}

type poolSlot struct {
	id     int
	worker detectWorker // nil until first use, or after a crash
}

// Pool is an nn.ExpressionDetector that spreads calls over a set of worker processes.
// Workers are started on first use, and restarted on the next call after they die.
type Pool struct {
	Log    logs.Log
	config PoolConfig

	newWorker func(id int) (detectWorker, error)
	idle      chan *poolSlot
	closedCh  chan struct{}

	lock   sync.Mutex // Guards slots[].worker and closed
	slots  []*poolSlot
	closed bool
}

func NewPool(log logs.Log, config PoolConfig) *Pool {
	return newPool(log, config, func(id int) (detectWorker, error) {
		return NewPythonWorker(id, config.Command)
	})
}

func newPool(log logs.Log, config PoolConfig, newWorker func(id int) (detectWorker, error)) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	p := &Pool{
		Log:       log,
		config:    config,
		newWorker: newWorker,
		idle:      make(chan *poolSlot, config.Workers),
		closedCh:  make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		s := &poolSlot{id: i}
		p.slots = append(p.slots, s)
		p.idle <- s
	}
	return p
}

// Start every worker now, instead of waiting for the first call.
// This surfaces a broken worker command before the video starts.
func (p *Pool) Warmup(ctx context.Context) error {
	for range p.config.Workers {
		var s *poolSlot
		select {
		case s = <-p.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		err := p.ensureWorker(s)
		p.idle <- s
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) ensureWorker(s *poolSlot) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return fmt.Errorf("%w: pool is closed", ErrWorker)
	}
	if s.worker != nil {
		return nil
	}
	w, err := p.newWorker(s.id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWorker, err)
	}
	p.Log.Infof("Started detection worker %v", s.id)
	s.worker = w
	return nil
}

// Detect implements nn.ExpressionDetector
func (p *Pool) Detect(ctx context.Context, frame *nn.Frame) (*nn.DetectionResult, error) {
	var s *poolSlot
	select {
	case s = <-p.idle:
	case <-p.closedCh:
		return nil, fmt.Errorf("%w: pool is closed", ErrWorker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() {
		p.idle <- s
	}()

	if err := p.ensureWorker(s); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detections, working, err := s.worker.Detect(frame, p.config.WorkingSize)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, fmt.Errorf("%w: %w", ErrWorker, err)
		}
		p.discardWorker(s, err)
		return nil, fmt.Errorf("%w: worker %v: %w", ErrWorker, s.id, err)
	}

	if p.config.MergeIoU > 0 {
		detections = nn.MergeDuplicateFaces(detections, p.config.MergeIoU)
	}

	return &nn.DetectionResult{
		ImageWidth:  working.Width,
		ImageHeight: working.Height,
		Detections:  detections,
		FramePTS:    frame.PTS,
	}, nil
}

// The worker is broken (crashed, or its stream is out of sync). Get rid of it.
// We'll start a new one the next time this slot is used.
func (p *Pool) discardWorker(s *poolSlot, cause error) {
	p.lock.Lock()
	w := s.worker
	s.worker = nil
	p.lock.Unlock()
	if w == nil {
		return
	}
	w.Kill()
	w.Close()
	if stderr := w.Stderr(); stderr != "" {
		p.Log.Errorf("Detection worker %v failed (%v). Worker output:\n%v", s.id, cause, stderr)
	} else {
		p.Log.Errorf("Detection worker %v failed: %v", s.id, cause)
	}
}

// Close implements nn.ExpressionDetector.
// Workers are killed first, so that calls which are stuck inside a worker return.
func (p *Pool) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	close(p.closedCh)
	for _, s := range p.slots {
		if s.worker != nil {
			s.worker.Kill()
		}
	}
	p.lock.Unlock()

	for range p.config.Workers {
		s := <-p.idle
		if s.worker != nil {
			s.worker.Close()
			s.worker = nil
		}
	}
	p.Log.Infof("Detection workers closed")
}
