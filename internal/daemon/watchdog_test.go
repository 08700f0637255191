package daemon

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/config"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type watchdogRecord struct {
	reason  string
	samples []float64
}

func newTestWatchdog(samples []float64) (*Watchdog, *[]int, *[]watchdogRecord) {
	var exits []int
	var records []watchdogRecord
	w := NewWatchdog(config.Watchdog{
		MemoryLimitMB:    100,
		ConsecutiveTicks: 3,
		TickIntervalMs:   10,
	}, testLogger(), func(reason string, heapMB []float64) {
		records = append(records, watchdogRecord{reason: reason, samples: heapMB})
	}, func(code int) {
		exits = append(exits, code)
	})
	i := 0
	w.sample = func() float64 {
		v := samples[i%len(samples)]
		i++
		return v
	}
	return w, &exits, &records
}

func TestWatchdogFiresAfterConsecutiveOverruns(t *testing.T) {
	w, exits, _ := newTestWatchdog([]float64{150, 160, 170})

	assert.False(t, w.Tick())
	assert.False(t, w.Tick())
	assert.True(t, w.Tick())
	assert.Equal(t, []int{ExitCodeMemoryPressure}, *exits)
}

func TestWatchdogRecordsRestartBeforeExit(t *testing.T) {
	w, exits, records := newTestWatchdog([]float64{150, 160, 170})

	fired := false
	for i := 0; i < 3 && !fired; i++ {
		fired = w.Tick()
	}
	require.True(t, fired)

	require.Len(t, *records, 1)
	rec := (*records)[0]
	assert.Equal(t, "memory_pressure", rec.reason)
	assert.Equal(t, []float64{150, 160, 170}, rec.samples)
	// The record is durable state; it must be written before exit fires.
	assert.Equal(t, []int{ExitCodeMemoryPressure}, *exits)
}

func TestWatchdogResetsOnDip(t *testing.T) {
	w, exits, records := newTestWatchdog([]float64{150, 160, 50, 150, 160})

	for i := 0; i < 5; i++ {
		assert.False(t, w.Tick())
	}
	assert.Empty(t, *exits)
	assert.Empty(t, *records)
}

func TestWatchdogHistoryBounded(t *testing.T) {
	w, _, _ := newTestWatchdog([]float64{10})

	for i := 0; i < 25; i++ {
		w.Tick()
	}
	assert.LessOrEqual(t, len(w.history), watchdogHistory)
}
