package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/config"
	"memoryorch/internal/ingest"
	"memoryorch/internal/logging"
	"memoryorch/internal/messaging"
	"memoryorch/internal/outbox"
	"memoryorch/internal/preference"
	"memoryorch/internal/retention"
	"memoryorch/internal/retrieval"
	"memoryorch/internal/store"
	"memoryorch/internal/taskqueue"
	"memoryorch/internal/topictree"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	sup, err := outbox.NewSupervisor(logging.Noop(), "sqlite", filepath.Join(dir, "outbox.db"), filepath.Join(dir, "outbox.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { sup.Close() })

	tree, err := topictree.Load(filepath.Join(dir, "tree.json"))
	require.NoError(t, err)

	canonical, err := store.OpenCanonicalStore(filepath.Join(dir, "canonical"))
	require.NoError(t, err)

	rawStore, err := store.OpenRawEventStore(filepath.Join(dir, "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rawStore.Close() })

	hist := logging.NewHistory(dir, "ts")
	t.Cleanup(func() { hist.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.APIKey = "test-secret"
	cfg.HTTP.PublicPrefixes = []string{"/health"}

	ingestHandler := ingest.NewHandler(logging.Noop(), sup, tree, rawStore, hist, cfg.Fanout, cfg.Secrets, time.Minute, 1000, 1000)
	retrievalEng := retrieval.NewEngine(logging.Noop(), cfg.Retrieval, map[retrieval.SourceName]retrieval.Source{}, nil, nil)

	taskStore, err := taskqueue.OpenStore(logging.Noop(), filepath.Join(dir, "tasks.db"), hist, canonical, []string{"memory_write", "memory_search", "messaging_command"}, time.Second, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { taskStore.Close() })

	prefStore, err := preference.OpenStore(filepath.Join(dir, "prefs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { prefStore.Close() })
	prefProvider := preference.NewProvider(prefStore, 50)

	interpreter := messaging.NewInterpreter(logging.Noop(), ingestHandler, retrievalEng, taskStore, hist, cfg.Messaging, cfg.Secrets, cfg.Name, cfg.Version)

	gcRunner := retention.NewGCRunner(logging.Noop(), sup, hist, cfg.Retention)
	sweeper := retention.NewSweeper(logging.Noop(), cfg.Retention, cfg.Fanout.LowValueSuffixes, cfg.Fanout.LowValueTopicPrefixes, map[string]retention.Pruner{"raw": rawStore})

	return NewServer(Deps{
		Log:           logging.Noop(),
		Cfg:           *cfg,
		IngestHandler: ingestHandler,
		RetrievalEng:  retrievalEng,
		Canonical:     canonical,
		RawStore:      rawStore,
		Tree:          tree,
		Supervisor:    sup,
		GCRunner:      gcRunner,
		Sweeper:       sweeper,
		TaskStore:     taskStore,
		PrefStore:     prefStore,
		PrefProvider:  prefProvider,
		Interpreter:   interpreter,
		History:       hist,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublicWithoutAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteAcceptsValidAPIKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodGet, "/status", "test-secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMemoryWriteAndSearchRoundTrip(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	writeRec := doRequest(t, routes, http.MethodPost, "/memory/write", "test-secret", memoryWriteRequest{
		Project: "alpha", File: "notes/a.md", Content: "the answer is forty two",
	})
	require.Equal(t, http.StatusOK, writeRec.Code)

	var writeResp memoryWriteResponse
	require.NoError(t, json.Unmarshal(writeRec.Body.Bytes(), &writeResp))
	assert.NotEmpty(t, writeResp.EventID)

	searchRec := doRequest(t, routes, http.MethodPost, "/memory/search", "test-secret", memorySearchRequest{
		Query: "forty two", Project: "alpha",
	})
	assert.Equal(t, http.StatusOK, searchRec.Code)
}

func TestMemoryWriteRequiresProjectAndFile(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodPost, "/memory/write", "test-secret", memoryWriteRequest{Content: "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMemoryFileReadReturnsNotFoundForMissingFile(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodGet, "/memory/files/alpha/nope.md", "test-secret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessagingCommandRejectsSecretWithValidation(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodPost, "/messaging/command", "test-secret", messagingCommandRequest{
		Channel: "openclaw", SourceID: "u1", Text: "remember api_key=sk-abcdef0123456789",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "potential secret detected")
}

func TestTaskCreateAndGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	createRec := doRequest(t, routes, http.MethodPost, "/agents/tasks", "test-secret", taskCreateRequest{
		Title: "do a thing", Action: "memory_write",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)

	var row taskqueue.TaskRow
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &row))
	assert.NotEmpty(t, row.ID)

	getRec := doRequest(t, routes, http.MethodGet, "/agents/tasks/"+row.ID, "test-secret", nil)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestTaskGetUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodGet, "/agents/tasks/does-not-exist", "test-secret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedbackCreateAndList(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	createRec := doRequest(t, routes, http.MethodPost, "/feedback", "test-secret", feedbackCreateRequest{
		Project: "alpha", UserID: "u1", Source: "chat", Rating: 1, Content: "nice",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)

	listRec := doRequest(t, routes, http.MethodGet, "/feedback?project=alpha", "test-secret", nil)
	assert.Equal(t, http.StatusOK, listRec.Code)
}

func TestFanoutSummaryAndGC(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	summaryRec := doRequest(t, routes, http.MethodGet, "/telemetry/fanout", "test-secret", nil)
	assert.Equal(t, http.StatusOK, summaryRec.Code)

	gcRec := doRequest(t, routes, http.MethodPost, "/telemetry/fanout/gc", "test-secret", nil)
	assert.Equal(t, http.StatusOK, gcRec.Code)
}

func TestRollupFlushReportsCount(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	writeRec := doRequest(t, routes, http.MethodPost, "/memory/write", "test-secret", memoryWriteRequest{
		Project: "alpha", File: "logs/build.log", Content: "line one", SourceKind: "high_frequency_rollup",
	})
	require.Equal(t, http.StatusOK, writeRec.Code)

	flushRec := doRequest(t, routes, http.MethodPost, "/telemetry/memory/rollups/flush", "test-secret", rollupFlushRequest{Force: true})
	require.Equal(t, http.StatusOK, flushRec.Code)
	assert.Contains(t, flushRec.Body.String(), `"flushed":1`)
}

func TestMemoryTopicsListFiltersByPrefix(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	_ = doRequest(t, routes, http.MethodPost, "/memory/write", "test-secret", memoryWriteRequest{
		Project: "alpha", File: "notes/a.md", Content: "body one", TopicPath: "notes/a",
	})
	_ = doRequest(t, routes, http.MethodPost, "/memory/write", "test-secret", memoryWriteRequest{
		Project: "alpha", File: "notes/b.md", Content: "body two", TopicPath: "notes/b",
	})

	rec := doRequest(t, routes, http.MethodGet, "/memory/topics/list?project=alpha&prefix=notes", "test-secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notes")
}
