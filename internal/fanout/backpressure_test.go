package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPressureIsZeroAtOrBelowWatermark(t *testing.T) {
	assert.Equal(t, 0.0, Pressure(0, 0.65))
	assert.Equal(t, 0.0, Pressure(0.65, 0.65))
}

func TestPressureScalesLinearlyToOneAtFullQueue(t *testing.T) {
	assert.InDelta(t, 1.0, Pressure(1.0, 0.65), 1e-9)
	assert.InDelta(t, 0.5, Pressure(0.825, 0.65), 1e-9)
}

func TestSleepDurationMatchesWatermarkBoundaries(t *testing.T) {
	maxSleep := 2 * time.Second
	assert.Equal(t, time.Duration(0), SleepDuration(0.65, 0.65, maxSleep))
	assert.Equal(t, maxSleep, SleepDuration(1.0, 0.65, maxSleep))
}

func TestQueueRatioClampsToOneAndHandlesNoCap(t *testing.T) {
	assert.Equal(t, 0.0, QueueRatio(500, 0))
	assert.Equal(t, 1.0, QueueRatio(5000, 2000))
	assert.InDelta(t, 0.25, QueueRatio(500, 2000), 1e-9)
}
