package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalStorePutAndGetRoundTrips(t *testing.T) {
	s, err := OpenCanonicalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "notes/a.md", "hello canonical"))

	got, err := s.Get(ctx, "proj", "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello canonical", got)
}

func TestCanonicalStoreWalkFindsAllFilesUnderProject(t *testing.T) {
	s, err := OpenCanonicalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "a.md", "content a"))
	require.NoError(t, s.Put(ctx, "proj", "sub/b.md", "content b"))
	require.NoError(t, s.Put(ctx, "other", "c.md", "content c"))

	hits, err := s.Walk(ctx, "proj", 0, 100)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestCanonicalStoreWalkRespectsTotalCap(t *testing.T) {
	s, err := OpenCanonicalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "a.md", "content a"))
	require.NoError(t, s.Put(ctx, "proj", "b.md", "content b"))
	require.NoError(t, s.Put(ctx, "proj", "c.md", "content c"))

	hits, err := s.Walk(ctx, "proj", 0, 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestCanonicalStoreWalkOnMissingProjectReturnsEmpty(t *testing.T) {
	s, err := OpenCanonicalStore(t.TempDir())
	require.NoError(t, err)

	hits, err := s.Walk(context.Background(), "nonexistent", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
