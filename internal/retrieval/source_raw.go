package retrieval

import (
	"context"

	"memoryorch/internal/memevent"
)

// RawLister is the subset of store.RawEventStore the raw source needs.
type RawLister interface {
	ListRawEventsByProject(ctx context.Context, project string, limit int) ([]memevent.Event, error)
}

// RawSource does a filtered scan of the raw event store by project and
// assigns a text-match score against the query, per spec.md §4.6 step 4.
type RawSource struct {
	store   RawLister
	scanCap int
}

// NewRawSource builds a RawSource over store, scanning at most scanCap
// rows per project before scoring.
func NewRawSource(store RawLister, scanCap int) *RawSource {
	if scanCap <= 0 {
		scanCap = 500
	}
	return &RawSource{store: store, scanCap: scanCap}
}

// Name identifies this source.
func (s *RawSource) Name() SourceName { return SourceRaw }

// Fetch scans raw events for q.Project and scores each by text match
// against q.Query.
func (s *RawSource) Fetch(ctx context.Context, q sourceQuery) ([]Row, error) {
	if q.Project == "" {
		return nil, nil
	}
	events, err := s.store.ListRawEventsByProject(ctx, q.Project, s.scanCap)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(events))
	for _, ev := range events {
		if q.TopicPath != "" && ev.TopicPath != q.TopicPath {
			continue
		}
		score := textScore(q.Query, ev.Summary+" "+ev.File)
		if score <= 0 {
			continue
		}
		rows = append(rows, Row{
			Project:   ev.Project,
			File:      ev.File,
			Summary:   ev.Summary,
			Score:     score,
			Source:    SourceRaw,
			TopicPath: ev.TopicPath,
		})
	}
	return rows, nil
}
