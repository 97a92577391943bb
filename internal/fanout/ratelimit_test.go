package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"memoryorch/internal/outbox"
)

func TestNewLimitersBuildsOneLimiterPerConfiguredTarget(t *testing.T) {
	l := NewLimiters(map[string]float64{"vector": 10, "archival": 5})
	assert.NotNil(t, l.Limiter(outbox.TargetVector))
	assert.NotNil(t, l.Limiter(outbox.TargetArchival))
	assert.Nil(t, l.Limiter(outbox.TargetRaw))
}

func TestNewLimitersSkipsNonPositiveRates(t *testing.T) {
	l := NewLimiters(map[string]float64{"vector": 0, "raw": -1})
	assert.Nil(t, l.Limiter(outbox.TargetVector))
	assert.Nil(t, l.Limiter(outbox.TargetRaw))
}
