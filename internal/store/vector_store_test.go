package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/embedding"
	"memoryorch/internal/logging"
)

func TestVectorStorePutAndRecallRanksMostSimilarFirst(t *testing.T) {
	eng := embedding.NewDeterministicEngine(32)
	s, err := OpenVectorStore(filepath.Join(t.TempDir(), "vec.db"), eng, logging.Noop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "a.md", "root", "evt-a", "hello world", nil, nil))
	require.NoError(t, s.Put(ctx, "proj", "b.md", "root", "evt-b", "totally unrelated content about trains", nil, nil))

	hits, err := s.Recall(ctx, "hello world", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "evt-a", hits[0].EventID)
}

func TestVectorStoreRecallByVectorUsesBruteForceWithoutVecExtension(t *testing.T) {
	eng := embedding.NewDeterministicEngine(16)
	s, err := OpenVectorStore(filepath.Join(t.TempDir(), "vec.db"), eng, logging.Noop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "a.md", "root", "evt-a", "content a", nil, nil))

	// No sqlite-vec build tag in this test binary, so vectorExt stays false.
	assert.False(t, s.vectorExt)

	vec, err := eng.Embed(ctx, "content a")
	require.NoError(t, err)
	hits, err := s.RecallByVector(ctx, vec, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "evt-a", hits[0].EventID)
}

func TestVectorStorePutBatchEmbedsAndUpsertsAllItems(t *testing.T) {
	eng := embedding.NewDeterministicEngine(16)
	s, err := OpenVectorStore(filepath.Join(t.TempDir(), "vec.db"), eng, logging.Noop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	items := []VectorPutItem{
		{Project: "proj", File: "a.md", TopicPath: "root", EventID: "evt-a", Content: "content a"},
		{Project: "proj", File: "b.md", TopicPath: "root", EventID: "evt-b", Content: "content b"},
	}
	require.NoError(t, s.PutBatch(ctx, items))

	hits, err := s.Recall(ctx, "content a", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "evt-a", hits[0].EventID)
}

func TestVectorStoreScanAndDeleteForPrune(t *testing.T) {
	eng := embedding.NewDeterministicEngine(16)
	s, err := OpenVectorStore(filepath.Join(t.TempDir(), "vec.db"), eng, logging.Noop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "proj", "a.md", "root", "evt-a", "content a", nil, nil))
	require.NoError(t, s.Put(ctx, "proj", "b.md", "root", "evt-b", "content b", nil, nil))

	candidates, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	deleted, err := s.DeleteBatch(ctx, []string{"evt-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "evt-b", remaining[0].EventID)
}
