package schedule

import "time"

// DefaultCooldown is the minimum spacing between two automatic continuations.
const DefaultCooldown = 5 * time.Minute

// Cooldown tracks the last automatic continuation. The zero value never blocks.
type Cooldown struct {
	Window time.Duration
	last   time.Time
}

// NewCooldown returns a Cooldown with the given window (DefaultCooldown if <= 0).
func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &Cooldown{Window: window}
}

// Mark records a continuation at t.
func (c *Cooldown) Mark(t time.Time) { c.last = t }

// Reset forgets the last continuation.
func (c *Cooldown) Reset() { c.last = time.Time{} }

// Last returns the last continuation time, zero if none.
func (c *Cooldown) Last() time.Time { return c.last }

// InCooldown reports whether now is still inside the window and how long remains.
func (c *Cooldown) InCooldown(now time.Time) (bool, time.Duration) {
	if c.last.IsZero() {
		return false, 0
	}
	remaining := c.Window - now.Sub(c.last)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}
