package retrieval

import (
	"context"

	"memoryorch/internal/store"
)

// VectorRecaller is the subset of store.VectorStore the vector source
// needs.
type VectorRecaller interface {
	Recall(ctx context.Context, query string, limit int) ([]store.VectorEntry, error)
}

// VectorSource embeds the query (inside the store's Recall, which races
// a timeout against a deterministic fallback per embedding.FallbackEngine)
// and returns rows ranked by cosine similarity.
type VectorSource struct {
	store VectorRecaller
}

// NewVectorSource builds a VectorSource over store.
func NewVectorSource(store VectorRecaller) *VectorSource { return &VectorSource{store: store} }

// Name identifies this source.
func (s *VectorSource) Name() SourceName { return SourceVector }

// Fetch runs a semantic recall for 2×q.Limit entries and keeps those of
// q.Project (when set), up to q.Limit. store.VectorStore.Recall has no
// project filter, so the project scoping happens here.
func (s *VectorSource) Fetch(ctx context.Context, q sourceQuery) ([]Row, error) {
	entries, err := s.store.Recall(ctx, q.Query, q.Limit*2)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		if q.Project != "" && e.Project != q.Project {
			continue
		}
		rows = append(rows, Row{
			Project:   e.Project,
			File:      e.File,
			Summary:   e.Content,
			Score:     e.Similarity,
			Source:    SourceVector,
			TopicPath: e.TopicPath,
		})
		if len(rows) >= q.Limit {
			break
		}
	}
	return rows, nil
}
