package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chat-realtime/internal/clock"
)

// FakeClock is a manually advanced clock. Timer callbacks run synchronously
// on the goroutine calling Advance.
type FakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled []time.Duration
}

type fakeTimer struct {
	c       *FakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Epoch returns a fake clock starting at the Unix epoch so that
// millisecond offsets in tests read as absolute timestamps.
func Epoch() *FakeClock {
	return NewFakeClock(time.UnixMilli(0))
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

// Advance moves the clock forward by d, firing due timers in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

// AdvanceTo moves the clock to the given Unix millisecond timestamp.
func (c *FakeClock) AdvanceTo(ms int64) {
	c.Advance(time.UnixMilli(ms).Sub(c.Now()))
}

// Scheduled returns every duration passed to AfterFunc, in call order.
func (c *FakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.scheduled...)
}

// Pending returns the durations of timers that have neither fired nor been
// stopped, shortest first.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
