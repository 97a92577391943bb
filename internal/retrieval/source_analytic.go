package retrieval

import (
	"context"

	"memoryorch/internal/store"
)

// AnalyticSearcher is the subset of store.AnalyticStore the analytic
// source needs.
type AnalyticSearcher interface {
	Search(ctx context.Context, project, topicPrefix, query string, limit int) ([]store.AnalyticHit, error)
}

// AnalyticSource runs the SQL LIKE narrowing and scores candidates with
// the shared textScore, per spec.md §4.6 step 4's "SQL analytic store"
// strategy.
type AnalyticSource struct {
	store AnalyticSearcher
}

// NewAnalyticSource builds an AnalyticSource over store.
func NewAnalyticSource(store AnalyticSearcher) *AnalyticSource {
	return &AnalyticSource{store: store}
}

// Name identifies this source.
func (s *AnalyticSource) Name() SourceName { return SourceAnalytic }

// Fetch narrows via SQL LIKE, then scores each candidate with textScore.
func (s *AnalyticSource) Fetch(ctx context.Context, q sourceQuery) ([]Row, error) {
	hits, err := s.store.Search(ctx, q.Project, q.TopicPath, q.Query, q.Limit*2)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		score := textScore(q.Query, h.Summary+" "+h.File)
		if score <= 0 {
			continue
		}
		rows = append(rows, Row{
			Project:   h.Project,
			File:      h.File,
			Summary:   h.Summary,
			Score:     score,
			Source:    SourceAnalytic,
			TopicPath: h.TopicPath,
		})
	}
	return rows, nil
}
