// Package clock abstracts the time source so interval-driven code can be
// tested deterministically. Production code uses RealClock; tests use
// MockClock and advance it by hand.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time surface the rest of the codebase depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run in its own goroutine after d.
	// The returned Timer cancels the call via Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration
}

// Timer is a single scheduled event.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// timer from firing.
	Stop() bool

	// Reset re-arms the timer to fire after d. It reports whether the
	// timer was still active.
	Reset(d time.Duration) bool
}

// RealClock delegates to the time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by real time.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

func (c *RealClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *realTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// MockClock is a manually driven Clock for tests. Time stands still until
// Advance or Set moves it; due timers fire in deadline order.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*mockTimer
}

// NewMockClock returns a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		ch <- c.Now()
	})
	return ch
}

func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{
		clock:    c,
		deadline: c.current.Add(d),
		f:        f,
	}
	c.pending = append(c.pending, t)
	return t
}

// Sleep returns immediately; mock time only moves via Advance or Set.
func (c *MockClock) Sleep(d time.Duration) {}

func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has been reached. Callbacks run on the caller's goroutine, outside the
// clock lock. A callback that schedules a new timer will not see it fire
// within the same Advance call.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*mockTimer
	var rest []*mockTimer
	for _, t := range c.pending {
		t.mu.Lock()
		switch {
		case t.stopped:
			// dropped
		case !t.deadline.After(now):
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
		t.mu.Unlock()
	}
	c.pending = rest
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, t := range due {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			continue
		}
		t.stopped = true
		f := t.f
		t.mu.Unlock()
		f()
	}
}

// Set jumps the clock to t, firing due timers when t is in the future.
// Moving backwards only rewinds the current time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if t.After(cur) {
		c.Advance(t.Sub(cur))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

type mockTimer struct {
	clock    *MockClock
	mu       sync.Mutex
	deadline time.Time
	f        func()
	stopped  bool
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := !t.stopped
	t.stopped = true
	return active
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	deadline := t.clock.current.Add(d)

	t.mu.Lock()
	active := !t.stopped
	t.stopped = false
	t.deadline = deadline
	t.mu.Unlock()

	if !active {
		t.clock.pending = append(t.clock.pending, t)
	}
	t.clock.mu.Unlock()

	return active
}
