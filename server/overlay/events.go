package overlay

import (
	"fmt"
	"time"

	"github.com/cyclopcam/moodlens/pkg/gen"
)

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

type EventKind int

const (
	EventStarted  EventKind = iota // Loop entered Running
	EventInvoked                   // A detection call was issued
	EventRendered                  // A completed batch was drawn
	EventDropped                   // A completed batch was discarded because a newer call had already rendered (SequenceGuard only)
	EventFailed                    // A detection call failed. Nothing was drawn for it.
	EventStopped                   // Loop entered Stopped
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventInvoked:
		return "Invoked"
	case EventRendered:
		return "Rendered"
	case EventDropped:
		return "Dropped"
	case EventFailed:
		return "Failed"
	case EventStopped:
		return "Stopped"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is something that happened inside the overlay loop
type Event struct {
	Kind       EventKind
	Seq        int64     // Sequence number of the detection call. Zero for Started/Stopped.
	Time       time.Time // Tick time for Invoked, wall time otherwise
	Detections int       // Number of boxes drawn (Rendered only)
	Err        error     // Failed only
}

// Register to receive loop events.
// Events are dropped if the watcher falls too far behind.
func (l *Loop) AddWatcher() chan Event {
	l.watchersLock.Lock()
	defer l.watchersLock.Unlock()
	ch := make(chan Event, WatcherChannelSize)
	l.watchers = append(l.watchers, ch)
	return ch
}

func (l *Loop) RemoveWatcher(ch chan Event) {
	l.watchersLock.Lock()
	defer l.watchersLock.Unlock()
	for i, w := range l.watchers {
		if w == ch {
			l.watchers = gen.DeleteFromSliceUnordered(l.watchers, i)
			return
		}
	}
	l.Log.Warnf("Overlay.RemoveWatcher failed to find channel")
}

func (l *Loop) sendToWatchers(ev Event) {
	l.watchersLock.RLock()
	defer l.watchersLock.RUnlock()
	for _, ch := range l.watchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			l.Log.Warnf("Overlay watcher is falling behind. Dropping %v event", ev.Kind)
		} else {
			ch <- ev
		}
	}
}
