package overlay

import (
	"errors"
	"fmt"
)

var ErrModelsNotReady = errors.New("models are not ready")
var ErrAlreadyStarted = errors.New("overlay loop has already been started")
var ErrNoDisplaySize = errors.New("video sink has no native size")
var ErrStopped = errors.New("overlay loop has been stopped")

type LoopState int

const (
	LoopIdle    LoopState = iota // Not yet started
	LoopRunning                  // Ticking, and issuing detection calls
	LoopStopped                  // Torn down. Terminal.
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "Idle"
	case LoopRunning:
		return "Running"
	case LoopStopped:
		return "Stopped"
	}
	return fmt.Sprintf("LoopState(%d)", int(s))
}
