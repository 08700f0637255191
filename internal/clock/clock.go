// Package clock provides the single time source for the daemon.
// Every component that needs wall-clock time takes a Clock so that
// tests can drive mode switches and midnight resets deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time provider contract. Now returns a UTC instant;
// LocalHour and TodayLocalDate are evaluated in the configured location
// (budget resets and day/night windows follow local wall-clock time).
type Clock interface {
	Now() time.Time
	// NowLocal returns the current instant in the configured location;
	// LocalHour and TodayLocalDate are shorthands derived from it.
	NowLocal() time.Time
	LocalHour() int
	TodayLocalDate() string
}

// SystemClock reads the real time in a fixed location.
type SystemClock struct {
	loc *time.Location
}

// NewSystemClock returns a SystemClock in loc. A nil loc means the
// process-local timezone.
func NewSystemClock(loc *time.Location) *SystemClock {
	if loc == nil {
		loc = time.Local
	}
	return &SystemClock{loc: loc}
}

func (c *SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c *SystemClock) NowLocal() time.Time {
	return time.Now().In(c.loc)
}

func (c *SystemClock) LocalHour() int {
	return time.Now().In(c.loc).Hour()
}

func (c *SystemClock) TodayLocalDate() string {
	return time.Now().In(c.loc).Format("2006-01-02")
}

// FakeClock is a settable clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewFakeClock returns a FakeClock pinned at now, interpreted in loc
// (nil means UTC, keeping tests timezone-independent).
func NewFakeClock(now time.Time, loc *time.Location) *FakeClock {
	if loc == nil {
		loc = time.UTC
	}
	return &FakeClock{now: now, loc: loc}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.UTC()
}

func (c *FakeClock) NowLocal() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.In(c.loc)
}

func (c *FakeClock) LocalHour() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.In(c.loc).Hour()
}

func (c *FakeClock) TodayLocalDate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.In(c.loc).Format("2006-01-02")
}

// Set pins the clock at t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
