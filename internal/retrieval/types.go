// Package retrieval implements the federated retrieval engine from
// spec.md §4.6: a staged fast/slow fan-out across heterogeneous storage
// backends, merged by identity and reranked with preference-store
// signal, degrading gracefully when any one source fails. Grounded on
// the teacher's internal/retrieval package (sparse.go's weighted
// keyword scoring, tiered_context.go's tiered-budget fan-out), adapted
// from code-repository file discovery to memory-event row retrieval.
package retrieval

import (
	"context"
	"time"
)

// SourceName identifies one of the five retrieval sources, validated
// against this known set per spec.md §4.6 step 2.
type SourceName string

const (
	SourceVector           SourceName = "vector"
	SourceRaw              SourceName = "raw"
	SourceAnalytic         SourceName = "analytic"
	SourceArchival         SourceName = "archival"
	SourceCanonicalLexical SourceName = "canonical-lexical"
)

// KnownSources is the full validated set.
var KnownSources = map[SourceName]bool{
	SourceVector:           true,
	SourceRaw:              true,
	SourceAnalytic:         true,
	SourceArchival:         true,
	SourceCanonicalLexical: true,
}

// Row is one candidate result from a single source, before merge.
type Row struct {
	Project   string
	File      string
	Summary   string
	Score     float64
	Source    SourceName
	TopicPath string
}

// IdentityKey returns the merge key from spec.md §4.6 step 5:
// project:file, or a stable hash of the summary when either is empty
// (documented ambiguity per spec.md §9's "Retrieval merge key" note —
// callers that can supply an opaque id should prefer it over this
// fallback to avoid false merges on identical summaries).
func (r Row) IdentityKey() string {
	if r.Project != "" && r.File != "" {
		return r.Project + ":" + r.File
	}
	return "summary:" + summaryHash(r.Summary)
}

// Result is one merged, reranked row in the response.
type Result struct {
	Project   string   `json:"project"`
	File      string   `json:"file"`
	Summary   string   `json:"summary"`
	TopicPath string   `json:"topic_path"`
	Score     float64  `json:"score"`
	Composite float64  `json:"composite"`
	Sources   []string `json:"sources"`
	Content   string   `json:"content,omitempty"`
}

// Request is one federated search call.
type Request struct {
	Query               string
	Limit               int
	Project             string
	TopicPath           string
	Sources             []SourceName
	SourceWeights       map[SourceName]float64
	RerankWithLearning  bool
	IncludeDebug        bool
	UserID              string
	IncludePreferences  bool
	LoadContent         bool
}

// StagedFetchDebug reports the staged fast/slow decision for one request.
type StagedFetchDebug struct {
	Enabled           bool     `json:"enabled"`
	FastSources       []string `json:"fast_sources"`
	SlowSources       []string `json:"slow_sources"`
	SlowSourcesSkipped []string `json:"slow_sources_skipped,omitempty"`
}

// Debug is the optional `retrieval` response field.
type Debug struct {
	ResolvedSources  []string            `json:"resolved_sources"`
	SourceWeights    map[string]float64  `json:"source_weights"`
	SourceRowCounts  map[string]int      `json:"source_row_counts"`
	SourceErrors     map[string]string   `json:"source_errors,omitempty"`
	StagedFetch      StagedFetchDebug    `json:"staged_fetch"`
	LearningApplied  bool                `json:"learning_applied"`
	LearningPositive int                 `json:"learning_positive_hits"`
	LearningNegative int                 `json:"learning_negative_hits"`
}

// PreferenceContext is the rendered rating-bucketed feedback context
// from spec.md §4.8, consumed here for step 5's learning rerank.
type PreferenceContext struct {
	PositiveTerms []string
	NegativeTerms []string
	Summary       string
	Total         int
	UpdatedAt     time.Time
}

// PreferenceProvider loads a user/project's preference context.
// internal/preference implements this once built; kept as a narrow
// interface here so retrieval does not import preference directly.
type PreferenceProvider interface {
	BuildContext(ctx context.Context, userID, project string) (PreferenceContext, error)
}

// Response is the full federated search output.
type Response struct {
	Results         []Result `json:"results"`
	Preferences     *PreferenceContext `json:"preferences,omitempty"`
	LearningEnabled bool     `json:"learning_enabled"`
	Warnings        []string `json:"warnings,omitempty"`
	Retrieval       *Debug   `json:"retrieval,omitempty"`
}
