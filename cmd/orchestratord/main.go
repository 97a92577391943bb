// orchestratord is the memory orchestration service's entry point: it
// wires every internal subsystem from a loaded config.Config, starts the
// background workers (fanout pool, retention GC/sweep, task queue pool),
// serves the HTTP surface, and tears everything down in reverse order on
// SIGINT/SIGTERM. Grounded on cmd/nerd/main.go's cobra root command with
// a PersistentPreRunE/PersistentPostRun bring-up/teardown pair.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memoryorch/internal/config"
	"memoryorch/internal/embedding"
	"memoryorch/internal/fanout"
	"memoryorch/internal/httpapi"
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

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "memoryorch orchestration daemon",
	Long: `orchestratord runs the memory orchestration service: ingest, fanout,
federated retrieval, the durable task queue, preference learning, and
the messaging command interpreter, fronted by one HTTP surface.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults layered underneath)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level == "debug", cfg.Logging.JSONFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if cfg.Auth.Production {
		for _, prefix := range cfg.HTTP.PublicPrefixes {
			if prefix == "/status" {
				log.Warn("production deployment exposes /status without auth")
			}
		}
	}

	app, err := wire(log, cfg)
	if err != nil {
		return fmt.Errorf("wire subsystems: %w", err)
	}
	defer app.close(log)

	app.start()
	defer app.stop()

	srv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: app.httpServer.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("orchestratord listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}
	return nil
}

// application bundles every wired subsystem plus the closers/stoppers
// main needs to run in reverse order on the way down.
type application struct {
	httpServer *httpapi.Server

	supervisor *outbox.Supervisor
	fanoutPool *fanout.Pool
	gcRunner   *retention.GCRunner
	sweeper    *retention.Sweeper
	taskPool   *taskqueue.Pool

	rawStore      *store.RawEventStore
	analyticStore *store.AnalyticStore
	vectorStore   *store.VectorStore
	taskStore     *taskqueue.Store
	prefStore     *preference.Store
}

func (a *application) start() {
	a.fanoutPool.Start()
	a.gcRunner.Start()
	a.sweeper.Start()
	if a.taskPool != nil {
		a.taskPool.Start(1)
	}
}

func (a *application) stop() {
	if a.taskPool != nil {
		a.taskPool.Stop()
	}
	a.sweeper.Stop()
	a.gcRunner.Stop()
	a.fanoutPool.Stop()
}

func (a *application) close(log *zap.Logger) {
	for _, c := range []struct {
		name string
		fn   func() error
	}{
		{"task store", a.taskStore.Close},
		{"preference store", a.prefStore.Close},
		{"analytic store", a.analyticStore.Close},
		{"vector store", a.vectorStore.Close},
		{"raw store", a.rawStore.Close},
		{"outbox supervisor", a.supervisor.Close},
	} {
		if c.fn == nil {
			continue
		}
		if err := c.fn(); err != nil {
			log.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
}

// wire constructs every subsystem from cfg, in dependency order: storage,
// embedding, fanout, retrieval sources, preference, task queue,
// messaging, retention, then the HTTP surface over all of it.
func wire(log *zap.Logger, cfg *config.Config) (*application, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	supervisor, err := outbox.NewSupervisor(log, cfg.Storage.OutboxBackend,
		cfg.Storage.DataDir+"/outbox.db", cfg.Storage.DataDir+"/outbox.bolt")
	if err != nil {
		return nil, fmt.Errorf("outbox supervisor: %w", err)
	}

	rawStore, err := store.OpenRawEventStore(cfg.Storage.RawStorePath)
	if err != nil {
		return nil, fmt.Errorf("raw event store: %w", err)
	}
	analyticStore, err := store.OpenAnalyticStore(cfg.Storage.AnalyticDBPath)
	if err != nil {
		return nil, fmt.Errorf("analytic store: %w", err)
	}
	canonicalStore, err := store.OpenCanonicalStore(cfg.Storage.CanonicalRoot)
	if err != nil {
		return nil, fmt.Errorf("canonical store: %w", err)
	}

	embedEngine, err := embedding.NewEngine(cfg.Embedding.Provider, cfg.Embedding.GenAIAPIKey, cfg.Embedding.GenAIModel,
		cfg.Embedding.OllamaEndpoint, cfg.Embedding.OllamaModel, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	cachedEngine := embedding.NewCache(embedEngine, cfg.Embedding.CacheSize)
	fallbackEngine := embedding.NewFallbackEngine(cachedEngine, cfg.Embedding.Timeout.Duration)
	vectorStore, err := store.OpenVectorStore(cfg.Storage.VectorDBPath, fallbackEngine, log)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	archivalClient := store.NewHTTPArchivalClient(cfg.Storage.ArchivalEndpoint, cfg.Fanout.BulkSizePerTarget["archival"])

	tree, err := topictree.Load(cfg.Storage.TopicTreePath)
	if err != nil {
		return nil, fmt.Errorf("topic tree: %w", err)
	}

	history := logging.NewHistory(cfg.Storage.HistoryDir, cfg.Storage.HistoryTSField)

	ingestHandler := ingest.NewHandler(log, supervisor, tree, rawStore, history, cfg.Fanout, cfg.Secrets,
		time.Minute, 4096, 4096)

	sinks := map[outbox.Target]fanout.Sink{
		outbox.TargetRaw:           fanout.NewRawSink(rawStore),
		outbox.TargetVector:        fanout.NewVectorSink(vectorStore),
		outbox.TargetSQL:           fanout.NewSQLSink(analyticStore),
		outbox.TargetArchival:      fanout.NewArchivalSink(archivalClient),
		outbox.TargetObservability: fanout.NewObservabilitySink(history),
	}
	fanoutPool := fanout.NewPool(log, supervisor, sinks, cfg.Fanout)

	sources := map[retrieval.SourceName]retrieval.Source{
		retrieval.SourceVector:           retrieval.NewVectorSource(vectorStore),
		retrieval.SourceRaw:              retrieval.NewRawSource(rawStore, cfg.Retrieval.ScanCap),
		retrieval.SourceAnalytic:         retrieval.NewAnalyticSource(analyticStore),
		retrieval.SourceArchival:         retrieval.NewArchivalSource(archivalClient),
		retrieval.SourceCanonicalLexical: retrieval.NewCanonicalLexicalSource(canonicalStore, cfg.Retrieval.ProjectFileCap, cfg.Retrieval.TotalFileCap),
	}

	prefStore, err := preference.OpenStore(cfg.Storage.FeedbackDBPath)
	if err != nil {
		return nil, fmt.Errorf("preference store: %w", err)
	}
	prefProvider := preference.NewProvider(prefStore, 200)

	retrievalEng := retrieval.NewEngine(log, cfg.Retrieval, sources, prefProvider, canonicalContentLoader{canonicalStore})

	var taskStore *taskqueue.Store
	var taskPool *taskqueue.Pool
	var interpreter *messaging.Interpreter
	if cfg.TaskQueue.InternalWorkerCount >= 0 {
		taskStore, err = taskqueue.OpenStore(log, cfg.Storage.TaskQueueDBPath, history, canonicalStore, cfg.TaskQueue.AllowedActions,
			cfg.TaskQueue.RetryBase.Duration, cfg.TaskQueue.RetryCap.Duration)
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}

		interpreter = messaging.NewInterpreter(log, ingestHandler, retrievalEng, taskStore, history, cfg.Messaging, cfg.Secrets, cfg.Name, cfg.Version)

		dispatcher := taskqueue.NewDispatcher(cfg.TaskQueue.AllowedActions, cfg.TaskQueue.CallbackHostAllow,
			10*time.Second, memoryWriteAdapter{ingestHandler}, memorySearchAdapter{retrievalEng}, messagingAdapter{interpreter}, nil)
		taskPool = taskqueue.NewPool(log, taskStore, dispatcher,
			time.Duration(cfg.TaskQueue.LeaseSeconds)*time.Second, cfg.TaskQueue.PollInterval.Duration)
	}

	gcRunner := retention.NewGCRunner(log, supervisor, history, cfg.Retention)
	sweeper := retention.NewSweeper(log, cfg.Retention, cfg.Fanout.LowValueSuffixes, cfg.Fanout.LowValueTopicPrefixes,
		map[string]retention.Pruner{"raw": rawStore, "vector": vectorStore, "analytic": analyticStore})

	httpServer := httpapi.NewServer(httpapi.Deps{
		Log:           log,
		Cfg:           *cfg,
		IngestHandler: ingestHandler,
		RetrievalEng:  retrievalEng,
		Canonical:     canonicalStore,
		RawStore:      rawStore,
		Tree:          tree,
		Supervisor:    supervisor,
		GCRunner:      gcRunner,
		Sweeper:       sweeper,
		TaskStore:     taskStore,
		PrefStore:     prefStore,
		PrefProvider:  prefProvider,
		Interpreter:   interpreter,
		History:       history,
	})

	return &application{
		httpServer:    httpServer,
		supervisor:    supervisor,
		fanoutPool:    fanoutPool,
		gcRunner:      gcRunner,
		sweeper:       sweeper,
		taskPool:      taskPool,
		rawStore:      rawStore,
		analyticStore: analyticStore,
		vectorStore:   vectorStore,
		taskStore:     taskStore,
		prefStore:     prefStore,
	}, nil
}

// canonicalContentLoader adapts store.CanonicalStore to
// retrieval.ContentLoader for the LoadContent result-hydration step.
type canonicalContentLoader struct {
	store *store.CanonicalStore
}

func (c canonicalContentLoader) Load(ctx context.Context, project, file string) (string, error) {
	return c.store.Get(ctx, project, file)
}

// memoryWriteAdapter satisfies taskqueue.MemoryWriter by unmarshaling a
// task's payload into an ingest.Request and running it through the same
// pipeline an HTTP /memory/write call uses.
type memoryWriteAdapter struct {
	handler *ingest.Handler
}

func (m memoryWriteAdapter) HandleTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req ingest.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("taskqueue: decode memory_write payload: %w", err)
	}
	out, err := m.handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// memorySearchAdapter satisfies taskqueue.MemorySearcher the same way,
// over retrieval.Request/Response.
type memorySearchAdapter struct {
	engine *retrieval.Engine
}

func (m memorySearchAdapter) SearchTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req retrieval.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("taskqueue: decode memory_search payload: %w", err)
	}
	resp, err := m.engine.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// messagingAdapter satisfies taskqueue.MessagingRunner over
// messaging.CommandRequest/CommandResponse.
type messagingAdapter struct {
	interpreter *messaging.Interpreter
}

func (m messagingAdapter) RunTaskPayload(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req messaging.CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("taskqueue: decode messaging_command payload: %w", err)
	}
	resp, err := m.interpreter.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}
