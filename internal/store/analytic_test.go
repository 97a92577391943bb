package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/memevent"
)

func TestAnalyticStorePutBatchAndSearchByTextMatch(t *testing.T) {
	s, err := OpenAnalyticStore(filepath.Join(t.TempDir(), "analytic.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	events := []memevent.Event{
		{EventID: "e1", Project: "proj", File: "notes/design.md", TopicPath: "notes", Summary: "outbox design notes"},
		{EventID: "e2", Project: "proj", File: "notes/other.md", TopicPath: "notes", Summary: "unrelated content"},
		{EventID: "e3", Project: "other", File: "x.md", TopicPath: "root", Summary: "outbox design notes"},
	}
	require.NoError(t, s.PutBatch(ctx, events))

	hits, err := s.Search(ctx, "proj", "", "outbox", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e1", hits[0].EventID)
}

func TestAnalyticStoreSearchScopesToTopicPrefix(t *testing.T) {
	s, err := OpenAnalyticStore(filepath.Join(t.TempDir(), "analytic.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	events := []memevent.Event{
		{EventID: "e1", Project: "proj", File: "a.md", TopicPath: "notes/design", Summary: "outbox plan"},
		{EventID: "e2", Project: "proj", File: "b.md", TopicPath: "other", Summary: "outbox plan"},
	}
	require.NoError(t, s.PutBatch(ctx, events))

	hits, err := s.Search(ctx, "proj", "notes", "outbox", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e1", hits[0].EventID)
}

func TestAnalyticStorePutBatchUpsertsOnConflict(t *testing.T) {
	s, err := OpenAnalyticStore(filepath.Join(t.TempDir(), "analytic.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutBatch(ctx, []memevent.Event{{EventID: "e1", Project: "proj", File: "a.md", Summary: "first version"}}))
	require.NoError(t, s.PutBatch(ctx, []memevent.Event{{EventID: "e1", Project: "proj", File: "a.md", Summary: "second version"}}))

	hits, err := s.Search(ctx, "proj", "", "second", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestAnalyticStoreScanAndDeleteForPrune(t *testing.T) {
	s, err := OpenAnalyticStore(filepath.Join(t.TempDir(), "analytic.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	events := []memevent.Event{
		{EventID: "e1", Project: "proj", File: "a.md", TopicPath: "notes", Summary: "first"},
		{EventID: "e2", Project: "proj", File: "b.md", TopicPath: "notes", Summary: "second"},
	}
	require.NoError(t, s.PutBatch(ctx, events))

	candidates, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	deleted, err := s.DeleteBatch(ctx, []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e2", remaining[0].EventID)
}
