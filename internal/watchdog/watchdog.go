package watchdog

import (
	"sync"
	"time"
)

// Clock records when the last frame arrived. It is written by the frame
// callback and read by the lifecycle tick.
type Clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *Clock) Touch(t time.Time) {
	c.mu.Lock()
	c.last = t
	c.mu.Unlock()
}

func (c *Clock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Expired reports whether more than timeout has elapsed since the last touch.
func (c *Clock) Expired(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.last) > timeout
}
