package preference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildContextBucketizesByRating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", UserID: "u", Rating: 5, Content: "great widget export"})
	require.NoError(t, err)
	_, err = s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", UserID: "u", Rating: 1, Content: "buggy retry logic"})
	require.NoError(t, err)
	_, err = s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", UserID: "u", Rating: 3, Content: "middle of the road note"})
	require.NoError(t, err)

	p := NewProvider(s, 0)
	pc, err := p.BuildContext(ctx, "u", "p")
	require.NoError(t, err)

	require.Contains(t, pc.PositiveTerms, "widget")
	require.Contains(t, pc.NegativeTerms, "buggy")
	require.Equal(t, 3, pc.Total)
	require.NotEmpty(t, pc.Summary)
}

func TestBuildContextFallsBackToSentimentWhenUnrated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateFeedback(ctx, CreateFeedbackParams{Project: "p", UserID: "u", Sentiment: "negative", Content: "frustrating timeout"})
	require.NoError(t, err)

	p := NewProvider(s, 0)
	pc, err := p.BuildContext(ctx, "u", "p")
	require.NoError(t, err)
	require.Contains(t, pc.NegativeTerms, "frustrating")
}

func TestBuildContextReturnsEmptyWhenNoFeedback(t *testing.T) {
	s := newTestStore(t)
	p := NewProvider(s, 0)
	pc, err := p.BuildContext(context.Background(), "nobody", "nothing")
	require.NoError(t, err)
	require.Equal(t, 0, pc.Total)
	require.Empty(t, pc.PositiveTerms)
}
