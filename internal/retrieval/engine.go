package retrieval

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"memoryorch/internal/config"
)

// ContentLoader is the subset of store.CanonicalStore the engine needs to
// hydrate full file content for result entries, per spec.md §4.6 step 7.
type ContentLoader interface {
	Get(ctx context.Context, project, file string) (string, error)
}

// Engine runs the federated retrieval pipeline from spec.md §4.6: load
// preference context, resolve sources, stage a fast/slow fetch plan, fan
// out to each source, merge and rerank, and optionally hydrate content.
//
// Grounded on the teacher's internal/retrieval/tiered_context.go, which
// allocates a fast "tiered" budget before falling back to a slower full
// scan; here the same shape staging a fast source subset before a slow
// one, gated on the fast stage's own result quality.
type Engine struct {
	log     *zap.Logger
	cfg     config.RetrievalConfig
	sources map[SourceName]Source
	pref    PreferenceProvider
	content ContentLoader
}

// NewEngine builds an Engine over the given sources, keyed by name.
// pref and content may be nil: a nil pref skips preference loading and
// learning rerank; a nil content loader disables LoadContent hydration.
func NewEngine(log *zap.Logger, cfg config.RetrievalConfig, sources map[SourceName]Source, pref PreferenceProvider, content ContentLoader) *Engine {
	return &Engine{log: log, cfg: cfg, sources: sources, pref: pref, content: content}
}

// Search runs the full retrieval pipeline for req.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	var prefCtx PreferenceContext
	var warnings []string
	learningEnabled := req.RerankWithLearning && e.pref != nil

	if req.IncludePreferences || req.RerankWithLearning {
		if e.pref == nil {
			warnings = append(warnings, "preference store not configured")
		} else {
			pc, err := e.pref.BuildContext(ctx, req.UserID, req.Project)
			if err != nil {
				e.log.Warn("preference context load failed", zap.Error(err))
				warnings = append(warnings, "preference context load failed: "+err.Error())
				learningEnabled = false
			} else {
				prefCtx = pc
			}
		}
	}

	sourceNames := e.resolveSources(req.Sources)
	weights := e.resolveWeights(req.SourceWeights)

	debug := Debug{
		SourceWeights:   make(map[string]float64, len(weights)),
		SourceRowCounts: make(map[string]int),
		SourceErrors:    make(map[string]string),
	}
	for name, w := range weights {
		debug.SourceWeights[string(name)] = w
	}
	for _, n := range sourceNames {
		debug.ResolvedSources = append(debug.ResolvedSources, string(n))
	}

	q := sourceQuery{Query: req.Query, Project: req.Project, TopicPath: req.TopicPath, Limit: limit}

	var rows []Row
	if e.cfg.StagedFetchEnabled && len(e.cfg.FastSources) > 0 && len(e.cfg.SlowSources) > 0 {
		rows, debug.StagedFetch = e.stagedFetch(ctx, sourceNames, q, &debug, &warnings)
	} else {
		debug.StagedFetch.Enabled = false
		rows = e.fetchAll(ctx, sourceNames, q, &debug, &warnings)
	}

	mc := mergeConfig{
		sourceWeights:   weights,
		learningBoost:   e.cfg.LearningBoost,
		learningPenalty: e.cfg.LearningPenalty,
	}
	if learningEnabled {
		mc.positiveTerms = tokenize(joinTerms(prefCtx.PositiveTerms))
		mc.negativeTerms = tokenize(joinTerms(prefCtx.NegativeTerms))
		debug.LearningApplied = true
		debug.LearningPositive = len(prefCtx.PositiveTerms)
		debug.LearningNegative = len(prefCtx.NegativeTerms)
	}

	results := merge(rows, mc, limit)

	if req.LoadContent && e.content != nil {
		e.hydrateContent(ctx, results)
	}

	resp := Response{
		Results:         results,
		LearningEnabled: learningEnabled,
		Warnings:        warnings,
	}
	if req.IncludePreferences {
		resp.Preferences = &prefCtx
	}
	if req.IncludeDebug {
		resp.Retrieval = &debug
	}
	return resp, nil
}

// resolveSources validates requested against the known source set,
// falling back to the configured default set when empty, and further
// falling back to just the vector source when the default set itself
// resolves to nothing.
func (e *Engine) resolveSources(requested []SourceName) []SourceName {
	if len(requested) == 0 {
		out := make([]SourceName, 0, len(e.cfg.DefaultSources))
		for _, s := range e.cfg.DefaultSources {
			if KnownSources[SourceName(s)] {
				out = append(out, SourceName(s))
			}
		}
		if len(out) == 0 {
			return []SourceName{SourceVector}
		}
		return out
	}
	out := make([]SourceName, 0, len(requested))
	for _, s := range requested {
		if KnownSources[s] {
			out = append(out, s)
		}
	}
	return out
}

// resolveWeights overlays requested weights on top of the configured
// defaults.
func (e *Engine) resolveWeights(requested map[SourceName]float64) map[SourceName]float64 {
	out := make(map[SourceName]float64, len(e.cfg.SourceWeights))
	for name, w := range e.cfg.SourceWeights {
		out[SourceName(name)] = w
	}
	for name, w := range requested {
		out[name] = w
	}
	return out
}

// stagedFetch runs the fast-source subset, and skips the slow-source
// subset when the fast stage already clears spec.md §4.6 step 3's skip
// heuristic.
func (e *Engine) stagedFetch(ctx context.Context, resolved []SourceName, q sourceQuery, debug *Debug, warnings *[]string) ([]Row, StagedFetchDebug) {
	fast := intersect(resolved, e.cfg.FastSources)
	slow := intersect(resolved, e.cfg.SlowSources)

	sfd := StagedFetchDebug{Enabled: true}
	for _, n := range fast {
		sfd.FastSources = append(sfd.FastSources, string(n))
	}

	rows := e.fetchSources(ctx, fast, q, debug, warnings)

	if e.shouldSkipSlow(rows, q.Limit) {
		for _, n := range slow {
			sfd.SlowSourcesSkipped = append(sfd.SlowSourcesSkipped, string(n))
		}
		return rows, sfd
	}

	for _, n := range slow {
		sfd.SlowSources = append(sfd.SlowSources, string(n))
	}
	slowRows := e.fetchSources(ctx, slow, q, debug, warnings)
	rows = append(rows, slowRows...)
	return rows, sfd
}

// shouldSkipSlow implements spec.md §4.6 step 3's skip heuristic: the
// fast stage must return at least min_results_for_skip rows, AND either
// the top score clears min_top_score or row volume reaches limit*2.
func (e *Engine) shouldSkipSlow(rows []Row, limit int) bool {
	if len(rows) < e.cfg.MinResultsForSkip {
		return false
	}
	top := 0.0
	for _, r := range rows {
		if r.Score > top {
			top = r.Score
		}
	}
	return top >= e.cfg.MinTopScore || len(rows) >= limit*2
}

// fetchAll runs every resolved source in parallel with no staging.
func (e *Engine) fetchAll(ctx context.Context, resolved []SourceName, q sourceQuery, debug *Debug, warnings *[]string) []Row {
	return e.fetchSources(ctx, resolved, q, debug, warnings)
}

// fetchSources runs names' sources concurrently, each bounded by its
// configured per-source timeout, tolerating individual failures as
// warnings rather than failing the whole request.
func (e *Engine) fetchSources(ctx context.Context, names []SourceName, q sourceQuery, debug *Debug, warnings *[]string) []Row {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var rows []Row

	for _, name := range names {
		src, ok := e.sources[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name SourceName, src Source) {
			defer wg.Done()

			sctx := ctx
			var cancel context.CancelFunc
			if d, ok := e.cfg.SourceTimeouts[string(name)]; ok && d.Duration > 0 {
				sctx, cancel = context.WithTimeout(ctx, d.Duration)
				defer cancel()
			}

			got, err := src.Fetch(sctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.log.Warn("retrieval source failed", zap.String("source", string(name)), zap.Error(err))
				debug.SourceErrors[string(name)] = err.Error()
				*warnings = append(*warnings, fmt.Sprintf("%s retrieval failed", name))
				return
			}
			debug.SourceRowCounts[string(name)] = len(got)
			rows = append(rows, got...)
		}(name, src)
	}

	wg.Wait()
	return rows
}

// hydrateContent loads full file content for each result via the
// canonical store, per spec.md §4.6 step 7. Individual load failures
// are skipped silently: content is an enrichment, not a required field.
func (e *Engine) hydrateContent(ctx context.Context, results []Result) {
	for i := range results {
		if results[i].Project == "" || results[i].File == "" {
			continue
		}
		content, err := e.content.Get(ctx, results[i].Project, results[i].File)
		if err != nil {
			continue
		}
		results[i].Content = content
	}
}

// intersect returns the elements of configured that also appear in
// resolved, preserving configured's order.
func intersect(resolved []SourceName, configured []string) []SourceName {
	set := make(map[SourceName]bool, len(resolved))
	for _, n := range resolved {
		set[n] = true
	}
	out := make([]SourceName, 0, len(configured))
	for _, c := range configured {
		if set[SourceName(c)] {
			out = append(out, SourceName(c))
		}
	}
	return out
}

// joinTerms flattens a term list into a space-joined string so it can
// be re-tokenized through the same tokenizer used on retrieval rows.
func joinTerms(terms []string) string {
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}
