package domestia

import "time"

// stateCache holds the most recent valid state frame. It is not safe for
// concurrent use; Client guards it with its lock.
type stateCache struct {
	frame      Frame
	observedAt time.Time
	now        func() time.Time
}

func newStateCache() stateCache {
	return stateCache{now: time.Now}
}

// observe stores data if it is a state frame and reports whether it did.
func (c *stateCache) observe(data []byte) bool {
	if !IsStateFrame(data) {
		return false
	}
	c.frame = Frame(data)
	c.observedAt = c.now()
	return true
}

// fresh reports whether a frame was observed less than maxAge ago.
func (c *stateCache) fresh(maxAge time.Duration) bool {
	return c.frame != nil && c.now().Sub(c.observedAt) < maxAge
}

func (c *stateCache) snapshot() (Frame, time.Time) {
	return c.frame, c.observedAt
}
