package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/memevent"
)

func TestRawEventStorePutAndGetRoundTrips(t *testing.T) {
	s, err := OpenRawEventStore(filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ev := memevent.Event{
		EventID:   "evt-1",
		Project:   "proj",
		File:      "notes/a.md",
		Summary:   "hello",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutRawEvent(ctx, ev))

	got, err := s.GetRawEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "proj", got.Project)
	assert.Equal(t, "notes/a.md", got.File)
}

func TestRawEventStorePutIsIdempotentOnConflict(t *testing.T) {
	s, err := OpenRawEventStore(filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ev := memevent.Event{EventID: "evt-1", Project: "proj", File: "a.md", Summary: "first"}
	require.NoError(t, s.PutRawEvent(ctx, ev))

	ev.Summary = "second"
	require.NoError(t, s.PutRawEvent(ctx, ev))

	got, err := s.GetRawEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Summary)
}

func TestRawEventStoreListRawEventsByProjectScopesToProject(t *testing.T) {
	s, err := OpenRawEventStore(filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutRawEvent(ctx, memevent.Event{EventID: "evt-1", Project: "proj", File: "a.md"}))
	require.NoError(t, s.PutRawEvent(ctx, memevent.Event{EventID: "evt-2", Project: "proj", File: "b.md"}))
	require.NoError(t, s.PutRawEvent(ctx, memevent.Event{EventID: "evt-3", Project: "other", File: "c.md"}))

	got, err := s.ListRawEventsByProject(ctx, "proj", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRawEventStoreScanAndDeleteForPrune(t *testing.T) {
	s, err := OpenRawEventStore(filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.PutRawEvent(ctx, memevent.Event{
		EventID: "evt-1", Project: "proj", File: "debug.log", Summary: "noisy churn",
	}))
	require.NoError(t, s.PutRawEvent(ctx, memevent.Event{
		EventID: "evt-2", Project: "proj", File: "notes.md", Summary: "durable note",
	}))

	candidates, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	deleted, err := s.DeleteBatch(ctx, []string{"evt-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := s.ScanForPrune(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "evt-2", remaining[0].EventID)
}
