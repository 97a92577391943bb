package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEngineIsStableAndNormalized(t *testing.T) {
	e := NewDeterministicEngine(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	var mag float64
	for _, x := range v1 {
		mag += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, mag, 0.01)
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	e := NewDeterministicEngine(32)
	v, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)

	sim, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 0.001)
}

func TestCosineSimilarityMismatchedLengthsErrors(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestCacheServesRepeatedTextWithoutCallingInnerAgain(t *testing.T) {
	inner := &countingEngine{Engine: NewDeterministicEngine(16)}
	cache := NewCache(inner, 10)

	_, err := cache.Embed(context.Background(), "repeat me")
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), "repeat me")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheEvictsOldestOverCapacity(t *testing.T) {
	inner := NewDeterministicEngine(8)
	cache := NewCache(inner, 2)
	ctx := context.Background()

	_, _ = cache.Embed(ctx, "a")
	_, _ = cache.Embed(ctx, "b")
	_, _ = cache.Embed(ctx, "c")

	assert.Equal(t, 2, cache.Len())
}

func TestFallbackEngineUsesDeterministicOnTimeout(t *testing.T) {
	slow := &slowEngine{delay: 50 * time.Millisecond, dims: 16}
	f := NewFallbackEngine(slow, 5*time.Millisecond)

	v, err := f.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 16)
}

type countingEngine struct {
	Engine
	calls int
}

func (c *countingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.Engine.Embed(ctx, text)
}

type slowEngine struct {
	delay time.Duration
	dims  int
}

func (s *slowEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return make([]float32, s.dims), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *slowEngine) Dimensions() int { return s.dims }
func (s *slowEngine) Name() string    { return "slow" }
