// Package fake provides a manually advanced clock for tests.
package fake

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// Clock implements schedule.Clock. Time only moves when Advance is called;
// due callbacks then run synchronously on the caller's goroutine, in order.
type Clock struct {
	mu        sync.Mutex
	now       time.Time
	seq       uint64
	timers    []*timer
	requested []time.Duration
}

// New returns a Clock starting at now.
func New(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the fake current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc arms f to run once the clock has been advanced past d.
func (c *Clock) AfterFunc(d time.Duration, f func()) schedule.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &timer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	c.requested = append(c.requested, d)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers armed by callbacks fire too when they fall inside the window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of armed timers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Requested returns every delay passed to AfterFunc, in call order.
func (c *Clock) Requested() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.requested))
	copy(out, c.requested)
	return out
}

func (c *Clock) popDueLocked(target time.Time) *timer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	next := c.timers[0]
	if next.at.After(target) {
		return nil
	}
	c.timers = c.timers[1:]
	next.done = true
	return next
}

func (c *Clock) removeLocked(t *timer) bool {
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type timer struct {
	clock *Clock
	at    time.Time
	seq   uint64
	f     func()
	done  bool
}

// Stop disarms the timer if it has not fired yet.
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return t.clock.removeLocked(t)
}
