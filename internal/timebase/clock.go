package timebase

import (
	"sync"
	"time"
)

// Clock yields monotonic device time in seconds. Device time is derived
// from the audio output clock, not wall-clock time; the two drift apart
// and everything the scheduler does is keyed to this one.
type Clock interface {
	Now() float64
}

// SystemClock derives device time from the runtime's monotonic clock,
// starting at zero when constructed. It stands in for the audio device
// clock when no audio backend supplies one.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose time starts at 0.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns seconds elapsed since construction. time.Since reads the
// monotonic reading embedded in start, so wall-clock adjustments never
// move this backwards.
func (c *SystemClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// ManualClock is a hand-advanced clock for deterministic tests.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

// NewManualClock creates a manual clock at the given time.
func NewManualClock(now float64) *ManualClock {
	return &ManualClock{now: now}
}

// Now returns the current manual time.
func (c *ManualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock to an absolute time.
func (c *ManualClock) Set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
