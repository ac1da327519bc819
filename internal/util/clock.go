package util

import "time"

// A Clock for reading monotonic time.
type Clock interface {
	// CurrentUnixNano returns the current time in nanoseconds. Readings are monotonic: wall clock adjustments never
	// cause them to decrease.
	CurrentUnixNano() int64
}

// NewClock returns a Clock backed by the runtime's monotonic clock.
func NewClock() Clock {
	return &wallClock{base: time.Now()}
}

type wallClock struct {
	base time.Time
}

func (c *wallClock) CurrentUnixNano() int64 {
	// time.Since uses the monotonic reading captured in base
	return c.base.UnixNano() + time.Since(c.base).Nanoseconds()
}
