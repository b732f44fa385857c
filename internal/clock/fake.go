package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance is
// called. AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock lock held, so callbacks may schedule new timers.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
	seq     uint64
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	channel  chan time.Time // After waiters
	callback func()         // AfterFunc waiters
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has been advanced by
// at least d. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.add(&fakeWaiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

// AfterFunc schedules f to run when the clock passes now+d. A non-positive d
// runs f synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return stoppedTimer{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.add(w)
	return &fakeTimer{clock: c, waiter: w}
}

// add registers a waiter. Caller holds c.mu.
func (c *FakeClock) add(w *fakeWaiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls inside the interval. Waiters registered by callbacks during Advance
// also fire if their deadline is inside the interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		w := c.nextDue(target)
		if w == nil {
			break
		}
		w.fired = true
		if w.deadline.After(c.current) {
			c.current = w.deadline
		}
		now := c.current
		c.mu.Unlock()
		if w.callback != nil {
			w.callback()
		} else {
			w.channel <- now
		}
		c.mu.Lock()
	}
	c.current = target
	c.prune()
	c.mu.Unlock()
}

// nextDue returns the earliest live waiter with deadline <= target. Caller
// holds c.mu.
func (c *FakeClock) nextDue(target time.Time) *fakeWaiter {
	live := make([]*fakeWaiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.stopped && !w.fired && !w.deadline.After(target) {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].deadline.Equal(live[j].deadline) {
			return live[i].seq < live[j].seq
		}
		return live[i].deadline.Before(live[j].deadline)
	})
	return live[0]
}

func (c *FakeClock) prune() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// Pending returns the number of timers and After channels still waiting.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// BlockUntil waits until at least n waiters are pending. Tests use it to
// synchronise with a goroutine that is about to sleep on the clock.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		pending := 0
		for _, w := range c.waiters {
			if !w.stopped && !w.fired {
				pending++
			}
		}
		if pending >= n {
			return
		}
		c.changed.Wait()
	}
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return false }
