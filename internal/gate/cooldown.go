package gate

import (
	"sync"
	"time"
)

// Cooldown suppresses repeats of a per-user prompt for a fixed interval.
// The dispatcher uses one for join prompts and one for the help fallback,
// so a user hammering the bot is not hammered back.
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval, now: time.Now, last: make(map[int64]time.Time)}
}

func NewCooldownAt(interval time.Duration, now func() time.Time) *Cooldown {
	c := NewCooldown(interval)
	c.now = now
	return c
}

// Allow reports whether the prompt may fire for userID and, if so, records
// the firing time.
func (c *Cooldown) Allow(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if t, ok := c.last[userID]; ok && now.Sub(t) < c.interval {
		return false
	}
	if len(c.last) >= maxTrackedUsers {
		for k, t := range c.last {
			if now.Sub(t) >= c.interval {
				delete(c.last, k)
			}
		}
		for len(c.last) >= maxTrackedUsers {
			for k := range c.last {
				delete(c.last, k)
				break
			}
		}
	}
	c.last[userID] = now
	return true
}
