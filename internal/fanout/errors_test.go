package fanout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsPermanentRoundTripsThroughIsPermanent(t *testing.T) {
	err := AsPermanent(errors.New("bad request"))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(errors.New("timeout")))
}

func TestIsSQLCorruptionMatchesKnownMarkers(t *testing.T) {
	assert.True(t, IsSQLCorruption(errors.New("database disk image is malformed")))
	assert.False(t, IsSQLCorruption(errors.New("database is locked")))
	assert.False(t, IsSQLCorruption(nil))
}

func TestArchivalCircuitOpensAfterThresholdAndResetsOnSuccess(t *testing.T) {
	c := NewArchivalCircuit(3)
	assert.False(t, c.Open())

	c.RecordFailure()
	c.RecordFailure()
	assert.False(t, c.Open())

	opened := c.RecordFailure()
	assert.True(t, opened)
	assert.True(t, c.Open())

	c.RecordSuccess()
	assert.False(t, c.Open())
}

func TestArchivalCircuitWithNonPositiveThresholdNeverOpens(t *testing.T) {
	c := NewArchivalCircuit(0)
	for i := 0; i < 10; i++ {
		c.RecordFailure()
	}
	assert.False(t, c.Open())
}
