package testutil

import (
	"sync"
	"time"
)

// MockClock is a settable time source. Its Now method plugs into the
// now fields of the scheduler, the job store and the aggregators.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock returns a clock stopped at start
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and returns the new time
func (c *MockClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// TestingT is the subset of testing.TB used by the wait helpers
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

const pollInterval = 10 * time.Millisecond

// WaitFor polls condition until it holds or timeout elapses. A timeout is
// reported through t.Errorf with msgAndArgs.
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()

	deadline := time.After(timeout)
	for !condition() {
		select {
		case <-deadline:
			t.Errorf("timeout after %v waiting for condition: %v", timeout, msgAndArgs)
			return false
		case <-time.After(pollInterval):
		}
	}
	return true
}
