package overlay

import "time"

// DefaultRefreshInterval is roughly one tick per frame of a 60hz display
const DefaultRefreshInterval = 16 * time.Millisecond

// FrameClock delivers ticks at the display's redraw cadence.
// Ticks must be delivered in order. Stop must be safe to call more than once.
type FrameClock interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerClock is a FrameClock backed by a time.Ticker
type TickerClock struct {
	ticker *time.Ticker
}

func NewTickerClock(interval time.Duration) *TickerClock {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &TickerClock{
		ticker: time.NewTicker(interval),
	}
}

func (c *TickerClock) Ticks() <-chan time.Time {
	return c.ticker.C
}

func (c *TickerClock) Stop() {
	c.ticker.Stop()
}
