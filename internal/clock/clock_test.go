package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	c := NewFakeClock(start, nil)

	assert.Equal(t, 23, c.LocalHour())
	assert.Equal(t, "2025-06-01", c.TodayLocalDate())

	c.Advance(45 * time.Minute)
	assert.Equal(t, 0, c.LocalHour())
	assert.Equal(t, "2025-06-02", c.TodayLocalDate())
}

func TestFakeClockLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 23:00 UTC is 08:00 the next day in UTC+9.
	c := NewFakeClock(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC), loc)

	assert.Equal(t, 8, c.LocalHour())
	assert.Equal(t, "2025-06-02", c.TodayLocalDate())
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestSystemClockUTC(t *testing.T) {
	c := NewSystemClock(nil)
	now := c.Now()
	assert.WithinDuration(t, time.Now().UTC(), now, 5*time.Second)
	assert.Equal(t, time.UTC, now.Location())
}
