package retrieval

import (
	"context"

	"memoryorch/internal/store"
)

// ArchivalSearcher is the subset of store.ArchivalClient the archival
// source needs.
type ArchivalSearcher interface {
	Search(ctx context.Context, project, query string, limit int) ([]store.ArchivalHit, error)
}

// ArchivalSource runs a top-k passage search against the external
// archival store, tag-filtered by project, per spec.md §4.6 step 4.
type ArchivalSource struct {
	client ArchivalSearcher
}

// NewArchivalSource builds an ArchivalSource over client.
func NewArchivalSource(client ArchivalSearcher) *ArchivalSource {
	return &ArchivalSource{client: client}
}

// Name identifies this source.
func (s *ArchivalSource) Name() SourceName { return SourceArchival }

// Fetch delegates scoring to the archival store, which scores against
// its parsed header+summary.
func (s *ArchivalSource) Fetch(ctx context.Context, q sourceQuery) ([]Row, error) {
	hits, err := s.client.Search(ctx, q.Project, q.Query, q.Limit)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		rows = append(rows, Row{
			Project: h.Project,
			File:    h.File,
			Summary: h.Summary,
			Score:   h.Score,
			Source:  SourceArchival,
		})
	}
	return rows, nil
}
