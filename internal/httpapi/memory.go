package httpapi

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"memoryorch/internal/apierr"
	"memoryorch/internal/ingest"
	"memoryorch/internal/retrieval"
	"memoryorch/internal/topictree"
)

type memoryWriteRequest struct {
	Project    string `json:"project"`
	File       string `json:"file"`
	Content    string `json:"content"`
	TopicPath  string `json:"topic_path"`
	RequestID  string `json:"request_id"`
	SourceKind string `json:"source_kind"`
	Strict     bool   `json:"strict"`
	Async      bool   `json:"async"`
}

type memoryWriteResponse struct {
	EventID         string   `json:"event_id"`
	Deduped         bool     `json:"deduped"`
	Unchanged       bool     `json:"unchanged"`
	SecretBlocked   bool     `json:"secret_blocked"`
	EnqueuedTargets []string `json:"enqueued_targets"`
	RollupBuffered  bool     `json:"rollup_buffered"`
	Warnings        []string `json:"warnings"`
}

// handleMemoryWrite is POST /memory/write: spec.md §4.1's ingest pipeline.
func (s *Server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	var req memoryWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Project == "" || req.File == "" {
		writeError(w, apierr.Validation("project and file are required"))
		return
	}

	out, err := s.ingestHandler.Handle(r.Context(), ingest.Request{
		Project:    req.Project,
		File:       req.File,
		Content:    req.Content,
		TopicPath:  req.TopicPath,
		RequestID:  req.RequestID,
		SourceKind: req.SourceKind,
		Strict:     req.Strict,
		Async:      req.Async,
	})
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}

	targets := make([]string, 0, len(out.EnqueuedTargets))
	for _, t := range out.EnqueuedTargets {
		targets = append(targets, string(t))
	}
	writeJSON(w, http.StatusOK, memoryWriteResponse{
		EventID:         out.EventID,
		Deduped:         out.Deduped,
		Unchanged:       out.Unchanged,
		SecretBlocked:   out.SecretBlocked,
		EnqueuedTargets: targets,
		RollupBuffered:  out.RollupBuffered,
		Warnings:        nonNilStrings(out.Warnings),
	})
}

type memorySearchRequest struct {
	Query              string             `json:"query"`
	Limit              int                `json:"limit"`
	Project            string             `json:"project"`
	TopicPath          string             `json:"topic_path"`
	Sources            []string           `json:"sources"`
	SourceWeights      map[string]float64 `json:"source_weights"`
	RerankWithLearning bool               `json:"rerank_with_learning"`
	IncludeDebug       bool               `json:"include_debug"`
	UserID             string             `json:"user_id"`
	IncludePreferences bool               `json:"include_preferences"`
	LoadContent        bool               `json:"load_content"`
}

// handleMemorySearch is POST /memory/search: the federated retrieval
// engine's entry point.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, apierr.Validation("query is required"))
		return
	}

	sources := make([]retrieval.SourceName, 0, len(req.Sources))
	for _, name := range req.Sources {
		sources = append(sources, retrieval.SourceName(name))
	}
	weights := make(map[retrieval.SourceName]float64, len(req.SourceWeights))
	for name, w := range req.SourceWeights {
		weights[retrieval.SourceName(name)] = w
	}

	resp, err := s.retrievalEng.Search(r.Context(), retrieval.Request{
		Query:              req.Query,
		Limit:              req.Limit,
		Project:            req.Project,
		TopicPath:          req.TopicPath,
		Sources:            sources,
		SourceWeights:      weights,
		RerankWithLearning: req.RerankWithLearning,
		IncludeDebug:       req.IncludeDebug,
		UserID:             req.UserID,
		IncludePreferences: req.IncludePreferences,
		LoadContent:        req.LoadContent,
	})
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMemoryFileRead is GET /memory/files/{project}/{file_path}: a
// direct read against the canonical file store. A missing file maps to
// 404 rather than an auto-stub response; nothing downstream of this
// endpoint depends on stub content existing.
func (s *Server) handleMemoryFileRead(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	file := r.PathValue("file")
	if project == "" || file == "" {
		writeError(w, apierr.Validation("project and file path are required"))
		return
	}

	content, err := s.canonical.Get(r.Context(), project, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, apierr.NotFound("no such file: "+project+"/"+file))
			return
		}
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"project": project,
		"file":    file,
		"content": content,
	})
}

// handleMemoryRecent is GET /memory/recent: the most recent raw events
// recorded for a project.
func (s *Server) handleMemoryRecent(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, apierr.Validation("project query parameter is required"))
		return
	}
	limit := parseLimit(r, 50)

	events, err := s.rawStore.ListRawEventsByProject(r.Context(), project, limit)
	if err != nil {
		writeError(w, apierr.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleMemoryTopics is GET /memory/topics: the raw per-project topic
// tree snapshot.
func (s *Server) handleMemoryTopics(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, apierr.Validation("project query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project": project,
		"topics":  s.tree.Snapshot(project),
	})
}

type topicListEntry struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// handleMemoryTopicsList is GET/POST /memory/topics/list: a flattened,
// filterable view over the topic tree, for callers that want a prefix or
// minimum-count cut rather than the full recursive snapshot.
func (s *Server) handleMemoryTopicsList(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	prefix := r.URL.Query().Get("prefix")
	minCount := atoiOr(r.URL.Query().Get("min_count"), 0)
	maxDepth := atoiOr(r.URL.Query().Get("max_depth"), 0)

	if r.Method == http.MethodPost {
		var body struct {
			Project  string `json:"project"`
			Prefix   string `json:"prefix"`
			MinCount int    `json:"min_count"`
			MaxDepth int    `json:"max_depth"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		project, prefix, minCount, maxDepth = body.Project, body.Prefix, body.MinCount, body.MaxDepth
	}
	if project == "" {
		writeError(w, apierr.Validation("project is required"))
		return
	}

	snapshot := s.tree.Snapshot(project)
	var entries []topicListEntry
	flattenTopics(snapshot, "", prefix, minCount, maxDepth, 1, &entries)
	writeJSON(w, http.StatusOK, map[string]interface{}{"topics": entries})
}

// flattenTopics walks nodes depth-first, emitting every path whose count
// clears minCount and whose depth (when maxDepth > 0) is within bound,
// restricted to the prefix subtree when prefix is non-empty.
func flattenTopics(nodes map[string]*topictree.Node, base, prefix string, minCount, maxDepth, depth int, out *[]topicListEntry) {
	for segment, node := range nodes {
		path := segment
		if base != "" {
			path = base + "/" + segment
		}
		matchesPrefix := prefix == "" || hasPathPrefix(path, prefix)
		withinDepth := maxDepth <= 0 || depth <= maxDepth
		if matchesPrefix && withinDepth && node.Count >= minCount {
			*out = append(*out, topicListEntry{Path: path, Count: node.Count})
		}
		if maxDepth <= 0 || depth < maxDepth {
			flattenTopics(node.Children, path, prefix, minCount, maxDepth, depth+1, out)
		}
	}
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseLimit(r *http.Request, def int) int {
	return atoiOr(r.URL.Query().Get("limit"), def)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
