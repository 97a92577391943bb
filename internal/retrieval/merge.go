package retrieval

import "sort"

// mergeConfig carries the tunables spec.md §4.6 step 5 needs to turn raw
// per-source rows into ranked Results: per-source weights and the
// learning boost/penalty applied from preference hit counts.
type mergeConfig struct {
	sourceWeights   map[SourceName]float64
	learningBoost   float64
	learningPenalty float64
	positiveTerms   []string
	negativeTerms   []string
}

// mergedRow accumulates every source's contribution to one identity key
// before the best composite wins.
type mergedRow struct {
	row       Row
	composite float64
	sources   map[SourceName]bool
}

// merge folds rows from every source into deduplicated, scored Results,
// sorted by composite score then base score, per spec.md §4.6 steps 5-6.
//
// Identity is Row.IdentityKey(): project:file when both are present,
// else a hash of the summary (see SPEC_FULL.md §9's merge-key note).
// When two rows collide, the surviving entry keeps the higher composite
// score and the union of contributing source names.
func merge(rows []Row, cfg mergeConfig, limit int) []Result {
	byKey := make(map[string]*mergedRow)
	order := make([]string, 0, len(rows))

	for _, r := range rows {
		weight := cfg.sourceWeights[r.Source]
		if weight == 0 {
			weight = 1
		}
		positiveHits := countHits(r.Summary, cfg.positiveTerms)
		negativeHits := countHits(r.Summary, cfg.negativeTerms)
		composite := r.Score*weight + float64(positiveHits)*cfg.learningBoost - float64(negativeHits)*cfg.learningPenalty

		key := r.IdentityKey()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = &mergedRow{row: r, composite: composite, sources: map[SourceName]bool{r.Source: true}}
			order = append(order, key)
			continue
		}
		existing.sources[r.Source] = true
		if composite > existing.composite {
			existing.composite = composite
			existing.row.Score = r.Score
			existing.row.Summary = r.Summary
			existing.row.TopicPath = r.TopicPath
		}
	}

	merged := make([]*mergedRow, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].composite != merged[j].composite {
			return merged[i].composite > merged[j].composite
		}
		return merged[i].row.Score > merged[j].row.Score
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	results := make([]Result, 0, len(merged))
	for _, m := range merged {
		sources := make([]string, 0, len(m.sources))
		for s := range m.sources {
			sources = append(sources, string(s))
		}
		sort.Strings(sources)
		results = append(results, Result{
			Project:   m.row.Project,
			File:      m.row.File,
			Summary:   m.row.Summary,
			TopicPath: m.row.TopicPath,
			Score:     m.row.Score,
			Composite: m.composite,
			Sources:   sources,
		})
	}
	return results
}

// countHits counts how many terms appear as a token-overlap match
// against text, used to weigh a result by preference-store signal.
func countHits(text string, terms []string) int {
	if len(terms) == 0 || text == "" {
		return 0
	}
	haystack := make(map[string]bool)
	for _, tok := range tokenize(text) {
		haystack[tok] = true
	}
	hits := 0
	for _, term := range terms {
		if haystack[term] {
			hits++
		}
	}
	return hits
}
