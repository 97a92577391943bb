package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialWithJitterCapsAtCapDuration(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := ExponentialWithJitter(base, capDur, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, capDur+time.Second) // cap plus max jitter bound
	}
}

func TestLowValueClassifier(t *testing.T) {
	assert.True(t, IsLowValue(LowValueInput{File: "a.lock", LowValueSuffixes: []string{".lock"}}))
	assert.True(t, IsLowValue(LowValueInput{TopicPath: "scratch/x", LowValuePrefixes: []string{"scratch"}}))
	assert.True(t, IsLowValue(LowValueInput{SourceKind: "high_frequency_rollup"}))
	assert.False(t, IsLowValue(LowValueInput{File: "a.md", TopicPath: "notes"}))
	assert.True(t, IsLowValue(LowValueInput{File: "a.log", Strict: true, Summary: "short"}))
	assert.False(t, IsLowValue(LowValueInput{File: "a.log", Strict: false, Summary: "short"}))
}
