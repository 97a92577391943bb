package retrieval

import (
	"context"

	"memoryorch/internal/store"
)

// CanonicalWalker is the subset of store.CanonicalStore the
// canonical-lexical source needs.
type CanonicalWalker interface {
	Walk(ctx context.Context, project string, perProjectCap, totalCap int) ([]store.CanonicalHit, error)
}

// CanonicalLexicalSource is spec.md's fifth source
// (SPEC_FULL.md §4.6 EXPANSION): a bounded directory walk over the
// canonical store, scored on filename and content with the same
// textScore the analytic source uses.
type CanonicalLexicalSource struct {
	store          CanonicalWalker
	projectFileCap int
	totalFileCap   int
}

// NewCanonicalLexicalSource builds a CanonicalLexicalSource over store,
// bounding the walk per project and in total.
func NewCanonicalLexicalSource(store CanonicalWalker, projectFileCap, totalFileCap int) *CanonicalLexicalSource {
	return &CanonicalLexicalSource{store: store, projectFileCap: projectFileCap, totalFileCap: totalFileCap}
}

// Name identifies this source.
func (s *CanonicalLexicalSource) Name() SourceName { return SourceCanonicalLexical }

// Fetch walks q.Project's subtree and scores each file's name+content
// against q.Query.
func (s *CanonicalLexicalSource) Fetch(ctx context.Context, q sourceQuery) ([]Row, error) {
	if q.Project == "" {
		return nil, nil
	}
	hits, err := s.store.Walk(ctx, q.Project, s.projectFileCap, s.totalFileCap)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(hits))
	for _, h := range hits {
		score := textScore(q.Query, h.File+" "+h.Content)
		if score <= 0 {
			continue
		}
		rows = append(rows, Row{
			Project: h.Project,
			File:    h.File,
			Summary: summarizeContent(h.Content),
			Score:   score,
			Source:  SourceCanonicalLexical,
		})
	}
	return rows, nil
}

// summarizeContent truncates content to a short preview for the result
// summary field by keeping its first 280 bytes; unlike memevent.Summarize
// it keeps no tail, and it is local to retrieval to avoid a dependency on
// ingest content policy.
func summarizeContent(content string) string {
	const maxLen = 280
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}
