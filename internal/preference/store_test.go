package preference

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateFeedbackRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f, err := s.CreateFeedback(ctx, CreateFeedbackParams{
		Project: "proj", UserID: "u1", Rating: 5, Content: "loved the widget export", Tags: []string{"widgets"},
	})
	require.NoError(t, err)
	require.NotZero(t, f.ID)

	list, err := s.ListFeedback(ctx, "proj", "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "loved the widget export", list[0].Content)
	require.Equal(t, []string{"widgets"}, list[0].Tags)
}

func TestListFeedbackFiltersByProjectAndUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateFeedback(ctx, CreateFeedbackParams{Project: "proj-a", UserID: "u1", Content: "a"})
	require.NoError(t, err)
	_, err = s.CreateFeedback(ctx, CreateFeedbackParams{Project: "proj-b", UserID: "u1", Content: "b"})
	require.NoError(t, err)

	list, err := s.ListFeedback(ctx, "proj-a", "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].Content)
}

func TestListFeedbackOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", Content: "first"})
	require.NoError(t, err)
	_, err = s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", Content: "second"})
	require.NoError(t, err)

	list, err := s.ListFeedback(ctx, "p", "", "", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "second", list[0].Content)
}
