package sim

import (
	"sync"
	"time"
)

// Clock is the simulated time source. A scaled clock runs scale times
// faster than wall time; a manual clock only moves when advanced.
type Clock struct {
	mu        sync.Mutex
	scale     float64 // 10 => 10s SIM per 1s real
	manual    bool
	startReal time.Time
	startSim  time.Time
	offset    time.Duration
}

// NewClock creates a clock running scale times faster than wall time,
// starting at start.
func NewClock(scale float64, start time.Time) *Clock {
	if scale <= 0 {
		scale = 1
	}
	return &Clock{
		scale:     scale,
		startReal: time.Now(),
		startSim:  start,
	}
}

// NewManualClock creates a clock frozen at start until advanced.
func NewManualClock(start time.Time) *Clock {
	return &Clock{
		scale:    1,
		manual:   true,
		startSim: start,
	}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manual {
		return c.startSim.Add(c.offset)
	}
	elapsed := float64(time.Since(c.startReal).Nanoseconds()) * c.scale
	return c.startSim.Add(time.Duration(elapsed) + c.offset)
}

// Advance moves simulated time forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// SimToReal converts a simulated duration into wall time.
func (c *Clock) SimToReal(d time.Duration) time.Duration {
	if c.manual {
		return d
	}
	realD := time.Duration(float64(d) / c.scale)
	if realD < time.Millisecond {
		return time.Millisecond
	}
	return realD
}
