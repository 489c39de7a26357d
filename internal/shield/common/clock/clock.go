package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock tells the time and schedules timers. Components that wait (retries,
// refresh intervals, loop-guard windows) take a Clock so tests can drive time
// deterministically with a MockClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// C returns the channel on which the fire time is delivered.
	C() <-chan time.Time
	// Stop prevents the timer from firing. It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

func (c RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }

func (r *realTimer) Stop() bool { return r.t.Stop() }

// MockClock is a manually advanced clock. Timers created from it fire only
// when Advance moves the current time to or past their deadline.
type MockClock struct {
	mu          sync.Mutex
	cond        *sync.Cond
	CurrentTime time.Time
	timers      []*mockTimer
}

// NewMockClock returns a MockClock set to start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{CurrentTime: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

// NewTimer registers a timer that fires once the clock reaches Now()+d.
// A non-positive d fires immediately.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.CurrentTime.Add(d),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- c.CurrentTime
		return t
	}
	c.timers = append(c.timers, t)
	c.condLocked().Broadcast()
	return t
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has been reached, in deadline order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CurrentTime = c.CurrentTime.Add(d)

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.deadline.After(c.CurrentTime) {
			pending = append(pending, t)
			continue
		}
		t.fired = true
		t.ch <- c.CurrentTime
	}
	c.timers = pending
	c.condLocked().Broadcast()
}

// BlockUntil waits until at least n timers are pending. It lets a test wait
// for a background goroutine to start sleeping before advancing the clock.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.condLocked().Wait()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *MockClock) condLocked() *sync.Cond {
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
	return c.cond
}

func (c *MockClock) remove(t *mockTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	for i, p := range c.timers {
		if p == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			t.fired = true
			c.condLocked().Broadcast()
			return true
		}
	}
	return false
}

type mockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	fired    bool // guarded by clock.mu
}

func (t *mockTimer) C() <-chan time.Time { return t.ch }

func (t *mockTimer) Stop() bool { return t.clock.remove(t) }
