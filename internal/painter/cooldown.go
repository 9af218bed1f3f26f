package painter

import (
	"sync"
	"time"
)

// Cooldown tracks the server-reported wait and the learned ceiling of
// accumulated cooldown the server still accepts.
type Cooldown struct {
	mu      sync.Mutex
	now     func() time.Time
	seconds float64
	at      time.Time
	ceiling float64
}

func NewCooldown(now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{now: now}
}

// Update records the wait reported by the latest placement response.
func (c *Cooldown) Update(seconds float64) {
	c.mu.Lock()
	c.seconds = seconds
	c.at = c.now()
	c.mu.Unlock()
}

// Remaining is the reported wait minus the time elapsed since, never negative.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.at.IsZero() {
		return 0
	}
	d := time.Duration(c.seconds*float64(time.Second)) - c.now().Sub(c.at)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Cooldown) SetCeiling(seconds float64) {
	c.mu.Lock()
	c.ceiling = seconds
	c.mu.Unlock()
}

// Ceiling is 0 until the first cooldown rejection.
func (c *Cooldown) Ceiling() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

// Excess is how far the remaining wait exceeds the ceiling.
func (c *Cooldown) Excess() time.Duration {
	ceil := c.Ceiling()
	if ceil <= 0 {
		return 0
	}
	d := c.Remaining() - time.Duration(ceil*float64(time.Second))
	if d < 0 {
		return 0
	}
	return d
}
