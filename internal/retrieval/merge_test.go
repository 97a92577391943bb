package retrieval

import "testing"

func TestMergeCollapsesSameIdentityKeepingBestComposite(t *testing.T) {
	rows := []Row{
		{Project: "proj", File: "a.go", Summary: "low", Score: 0.3, Source: SourceRaw},
		{Project: "proj", File: "a.go", Summary: "high", Score: 0.9, Source: SourceVector},
	}
	results := merge(rows, mergeConfig{}, 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 merged result, got %d", len(results))
	}
	if results[0].Summary != "high" {
		t.Fatalf("expected the higher-composite row to win, got %q", results[0].Summary)
	}
	if len(results[0].Sources) != 2 {
		t.Fatalf("expected union of both source labels, got %v", results[0].Sources)
	}
}

func TestMergeSortsByCompositeDescending(t *testing.T) {
	rows := []Row{
		{Project: "p", File: "low.go", Score: 0.2, Source: SourceRaw},
		{Project: "p", File: "high.go", Score: 0.9, Source: SourceVector},
	}
	results := merge(rows, mergeConfig{}, 10)
	if results[0].File != "high.go" || results[1].File != "low.go" {
		t.Fatalf("expected descending composite order, got %+v", results)
	}
}

func TestMergeTruncatesToLimit(t *testing.T) {
	rows := []Row{
		{Project: "p", File: "a.go", Score: 0.9, Source: SourceVector},
		{Project: "p", File: "b.go", Score: 0.8, Source: SourceVector},
		{Project: "p", File: "c.go", Score: 0.7, Source: SourceVector},
	}
	results := merge(rows, mergeConfig{}, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestMergeAppliesSourceWeight(t *testing.T) {
	rows := []Row{{Project: "p", File: "a.go", Score: 1.0, Source: SourceArchival}}
	cfg := mergeConfig{sourceWeights: map[SourceName]float64{SourceArchival: 0.5}}
	results := merge(rows, cfg, 10)
	if results[0].Composite != 0.5 {
		t.Fatalf("expected weighted composite 0.5, got %v", results[0].Composite)
	}
}

func TestMergeAppliesLearningBoostAndPenalty(t *testing.T) {
	row := Row{Project: "p", File: "a.go", Score: 0.5, Source: SourceRaw, Summary: "likes widgets hates bugs"}
	cfg := mergeConfig{
		sourceWeights:   map[SourceName]float64{SourceRaw: 1.0},
		learningBoost:   0.2,
		learningPenalty: 0.3,
		positiveTerms:   []string{"widgets"},
		negativeTerms:   []string{"bugs"},
	}
	results := merge([]Row{row}, cfg, 10)
	want := 0.5 + 0.2 - 0.3
	if diff := results[0].Composite - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected composite %v, got %v", want, results[0].Composite)
	}
}
