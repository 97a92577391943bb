package preference

import (
	"context"
	"fmt"
	"strings"

	"memoryorch/internal/retrieval"
)

// positiveRatingFloor and negativeRatingCeil are spec.md §4.8's
// bucketing thresholds: rating >= 4 is positive, rating <= 2 is
// negative; 3, and unrated entries whose sentiment is neither
// "positive" nor "negative", are notes.
const (
	positiveRatingFloor = 4
	negativeRatingCeil  = 2
)

// Provider implements retrieval.PreferenceProvider over a feedback
// Store.
type Provider struct {
	store *Store
	limit int
}

// NewProvider builds a Provider over store, considering at most limit
// recent feedback rows per BuildContext call (0 uses ListFeedback's
// own default).
func NewProvider(store *Store, limit int) *Provider {
	return &Provider{store: store, limit: limit}
}

// BuildContext implements spec.md §4.8's build_preference_context:
// bucketizes the user/project's recent feedback into positive/negative
// term sets and notes, by rating and by sentiment, and renders a
// compact natural-language summary.
func (p *Provider) BuildContext(ctx context.Context, userID, project string) (retrieval.PreferenceContext, error) {
	rows, err := p.store.ListFeedback(ctx, project, userID, "", p.limit)
	if err != nil {
		return retrieval.PreferenceContext{}, fmt.Errorf("preference: build context: %w", err)
	}
	if len(rows) == 0 {
		return retrieval.PreferenceContext{}, nil
	}

	var positiveTermSet, negativeTermSet []string
	var notes []string
	var updatedAt = rows[0].CreatedAt

	for _, f := range rows {
		if f.CreatedAt.After(updatedAt) {
			updatedAt = f.CreatedAt
		}

		positive, negative := classify(f)
		switch {
		case positive:
			positiveTermSet = append(positiveTermSet, retrieval.Tokenize(f.Content)...)
			positiveTermSet = append(positiveTermSet, f.Tags...)
		case negative:
			negativeTermSet = append(negativeTermSet, retrieval.Tokenize(f.Content)...)
			negativeTermSet = append(negativeTermSet, f.Tags...)
		default:
			if f.Content != "" {
				notes = append(notes, f.Content)
			}
		}
	}

	return retrieval.PreferenceContext{
		PositiveTerms: dedupe(positiveTermSet),
		NegativeTerms: dedupe(negativeTermSet),
		Summary:       renderSummary(len(rows), len(positiveTermSet) > 0, len(negativeTermSet) > 0, notes),
		Total:         len(rows),
		UpdatedAt:     updatedAt,
	}, nil
}

// classify buckets a Feedback row into positive/negative by
// spec.md §4.8's rating thresholds, falling back to its sentiment
// label when unrated.
func classify(f Feedback) (positive, negative bool) {
	switch {
	case f.Rating >= positiveRatingFloor:
		return true, false
	case f.Rating > 0 && f.Rating <= negativeRatingCeil:
		return false, true
	}
	switch strings.ToLower(f.Sentiment) {
	case "positive":
		return true, false
	case "negative":
		return false, true
	}
	return false, false
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func renderSummary(total int, hasPositive, hasNegative bool, notes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d feedback entries considered.", total)
	if hasPositive {
		b.WriteString(" Positive signal present.")
	}
	if hasNegative {
		b.WriteString(" Negative signal present.")
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, " %d neutral note(s).", len(notes))
	}
	return b.String()
}
