package store

import "time"

// PruneCandidate is one row a retention sweep is considering for
// deletion, shared by RawEventStore/VectorStore/AnalyticStore's
// ScanForPrune so internal/retention can run the same low-value
// classifier (IsLowValue, in internal/outbox) against all three sinks.
type PruneCandidate struct {
	EventID    string
	File       string
	TopicPath  string
	SourceKind string
	Summary    string
	CreatedAt  time.Time
}
