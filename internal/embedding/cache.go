package embedding

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Cache wraps an Engine with a bounded, insertion-order-evicted cache
// keyed by sha1(provider|model|text), so repeated ingest of the same
// content across requests skips the network round-trip. Grounded on the
// teacher's mutex-guarded bounded-map idiom (see internal/ingest's
// DedupWindow for the same shape).
type Cache struct {
	inner Engine

	mu       sync.Mutex
	capacity int
	entries  map[string][]float32
	order    []string
}

// NewCache wraps inner with a cache of the given capacity.
func NewCache(inner Engine, capacity int) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{inner: inner, capacity: capacity, entries: make(map[string][]float32)}
}

func (c *Cache) key(text string) string {
	sum := sha1.Sum([]byte(c.inner.Name() + "|" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector for text if present, otherwise embeds
// via the wrapped engine and caches the result.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.putLocked(key, v)
	c.mu.Unlock()
	return v, nil
}

// EmbedBatch resolves cache hits directly and sends only the misses to
// the wrapped engine, preserving input order in the result.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missTexts []string
	var missIdx []int

	c.mu.Lock()
	for i, t := range texts {
		key := c.key(t)
		keys[i] = key
		if v, ok := c.entries[key]; ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	embedded, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(missTexts) {
		return nil, fmt.Errorf("embedding: cache batch size mismatch: %d != %d", len(embedded), len(missTexts))
	}

	c.mu.Lock()
	for j, idx := range missIdx {
		out[idx] = embedded[j]
		c.putLocked(keys[idx], embedded[j])
	}
	c.mu.Unlock()

	return out, nil
}

func (c *Cache) putLocked(key string, v []float32) {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = v
	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Dimensions delegates to the wrapped engine.
func (c *Cache) Dimensions() int { return c.inner.Dimensions() }

// Name delegates to the wrapped engine.
func (c *Cache) Name() string { return c.inner.Name() }

// Len reports the number of cached vectors (test/diagnostic use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FallbackEngine wraps a primary Engine with a timeout and a
// deterministic fallback: if the primary doesn't respond within timeout,
// or returns an error, embeddings are served from the deterministic
// engine instead of failing the request.
type FallbackEngine struct {
	primary  Engine
	fallback *DeterministicEngine
	timeout  time.Duration
}

// NewFallbackEngine builds a FallbackEngine. fallback dimensions match
// primary's so downstream vector stores see a consistent width.
func NewFallbackEngine(primary Engine, timeout time.Duration) *FallbackEngine {
	return &FallbackEngine{primary: primary, fallback: NewDeterministicEngine(primary.Dimensions()), timeout: timeout}
}

// Embed tries primary within timeout, falling back to the deterministic
// engine on timeout or error.
func (f *FallbackEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		v   []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f.primary.Embed(ctx, text)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return f.fallback.Embed(ctx, text)
		}
		return r.v, nil
	case <-ctx.Done():
		return f.fallback.Embed(context.Background(), text)
	}
}

// EmbedBatch tries primary within timeout, falling back entirely to the
// deterministic engine on timeout or error.
func (f *FallbackEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		v   [][]float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f.primary.EmbedBatch(ctx, texts)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return f.fallback.EmbedBatch(context.Background(), texts)
		}
		return r.v, nil
	case <-ctx.Done():
		return f.fallback.EmbedBatch(context.Background(), texts)
	}
}

// Dimensions returns the primary engine's vector width.
func (f *FallbackEngine) Dimensions() int { return f.primary.Dimensions() }

// Name identifies the primary engine, noting the fallback wrapper.
func (f *FallbackEngine) Name() string { return fmt.Sprintf("%s+fallback", f.primary.Name()) }
