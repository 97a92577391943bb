// Package config holds the orchestrator's configuration: a single struct
// loaded from YAML with environment-variable overrides, plus sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Retention RetentionConfig `yaml:"retention"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Messaging MessagingConfig `yaml:"messaging"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	PublicPrefixes  []string `yaml:"public_prefixes"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures the shared-secret auth middleware.
type AuthConfig struct {
	APIKey     string `yaml:"api_key"`
	Production bool   `yaml:"production"`
}

// StorageConfig configures the durable stores.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	OutboxBackend    string `yaml:"outbox_backend"` // "sqlite" | "bbolt"
	RawStorePath     string `yaml:"raw_store_path"`
	AnalyticDBPath   string `yaml:"analytic_db_path"`
	CanonicalRoot    string `yaml:"canonical_root"`
	VectorDBPath     string `yaml:"vector_db_path"`
	ArchivalDBPath   string `yaml:"archival_db_path"`
	ArchivalEndpoint string `yaml:"archival_endpoint"`
	TopicTreePath    string `yaml:"topic_tree_path"`
	TaskQueueDBPath  string `yaml:"task_queue_db_path"`
	FeedbackDBPath   string `yaml:"feedback_db_path"`
	HistoryDir       string `yaml:"history_dir"`
	HistoryTSField   string `yaml:"history_timestamp_field"`
	EmbeddedRootPath string `yaml:"embedded_root_path"`
}

// FanoutConfig configures the outbox fanout workers.
type FanoutConfig struct {
	WorkersPerTarget      map[string]int     `yaml:"workers_per_target"`
	ClaimBatchSize        int                `yaml:"claim_batch_size"`
	BulkSizePerTarget     map[string]int     `yaml:"bulk_size_per_target"`
	RateLimitPerSec       map[string]float64 `yaml:"rate_limit_per_sec"`
	MaxAttempts           int                `yaml:"max_attempts"`
	RetryBase             Duration           `yaml:"retry_base"`
	RetryCap              Duration           `yaml:"retry_cap"`
	CoalesceWindow        Duration           `yaml:"coalesce_window"`
	CoalesceTargets       []string           `yaml:"coalesce_targets"`
	BackpressureTargets   []string           `yaml:"backpressure_targets"`
	BackpressureWatermark float64            `yaml:"backpressure_watermark"`
	BackpressureMaxSleep  Duration           `yaml:"backpressure_max_sleep"`
	SignalChannelDepth    int                `yaml:"signal_channel_depth"`
	PollInterval          Duration           `yaml:"poll_interval"`
	StaleRunningMaxAge    Duration           `yaml:"stale_running_max_age"`
	ArchivalSoftLimit     int                `yaml:"archival_soft_limit"`
	ArchivalHardLimit     int                `yaml:"archival_hard_limit"`
	LowValueSuffixes      []string           `yaml:"low_value_suffixes"`
	LowValueTopicPrefixes []string           `yaml:"low_value_topic_prefixes"`
	SQLFailOpen           bool               `yaml:"sql_fail_open"`
	ArchivalErrorStreak   int                `yaml:"archival_error_streak"`
}

// RetentionConfig configures GC and sink pruning.
type RetentionConfig struct {
	SucceededHours     int      `yaml:"succeeded_hours"`
	FailedHours        int      `yaml:"failed_hours"`
	StalePendingHours  int      `yaml:"stale_pending_hours"`
	StaleTargets       []string `yaml:"stale_targets"`
	GCInterval         Duration `yaml:"gc_interval"`
	SinkInterval       Duration `yaml:"sink_interval"`
	SinkTimeout        Duration `yaml:"sink_timeout"`
	ScanCap            int      `yaml:"scan_cap"`
	MaxDeletesPerRun   int      `yaml:"max_deletes_per_run"`
	CompactionThresh   int      `yaml:"compaction_threshold"`
	MinCompactInterval Duration `yaml:"min_compaction_interval"`
}

// RetrievalConfig configures the federated retrieval engine.
type RetrievalConfig struct {
	DefaultSources     []string           `yaml:"default_sources"`
	FastSources        []string           `yaml:"fast_sources"`
	SlowSources        []string           `yaml:"slow_sources"`
	SourceTimeouts     map[string]Duration `yaml:"source_timeouts"`
	SourceWeights      map[string]float64 `yaml:"source_weights"`
	StagedFetchEnabled bool               `yaml:"staged_fetch_enabled"`
	MinResultsForSkip  int                `yaml:"min_results_for_skip"`
	MinTopScore        float64            `yaml:"min_top_score"`
	LearningBoost      float64            `yaml:"learning_boost"`
	LearningPenalty    float64            `yaml:"learning_penalty"`
	ScanCap            int                `yaml:"scan_cap"`
	ProjectFileCap     int                `yaml:"project_file_cap"`
	TotalFileCap       int                `yaml:"total_file_cap"`
	EmbedTimeout       Duration           `yaml:"embed_timeout"`
}

// TaskQueueConfig configures the durable task queue.
type TaskQueueConfig struct {
	LeaseSeconds        int      `yaml:"lease_seconds"`
	DefaultMaxAttempts  int      `yaml:"default_max_attempts"`
	InternalWorkerCount int      `yaml:"internal_worker_count"`
	PollInterval        Duration `yaml:"poll_interval"`
	CallbackHostAllow   []string `yaml:"callback_host_allowlist"`
	AllowedActions      []string `yaml:"allowed_actions"`
	RetryBase           Duration `yaml:"retry_base"`
	RetryCap            Duration `yaml:"retry_cap"`
}

// EmbeddingConfig configures the query/document embedding provider.
type EmbeddingConfig struct {
	Provider       string   `yaml:"provider"` // "genai" | "ollama" | "deterministic"
	GenAIModel     string   `yaml:"genai_model"`
	GenAIAPIKey    string   `yaml:"genai_api_key"`
	OllamaEndpoint string   `yaml:"ollama_endpoint"`
	OllamaModel    string   `yaml:"ollama_model"`
	Dimensions     int      `yaml:"dimensions"`
	CacheSize      int      `yaml:"cache_size"`
	Timeout        Duration `yaml:"timeout"`
}

// LoggingConfig configures zap + NDJSON history output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// SecretsConfig configures the secret-scan policy applied at ingest.
type SecretsConfig struct {
	Mode           string   `yaml:"mode"` // "redact" | "block" | "allow"
	StrictChannels []string `yaml:"strict_messaging_channels"`
}

// MessagingConfig configures the command interpreter's mention-stripping
// and per-channel topic defaults.
type MessagingConfig struct {
	MentionPrefix  string   `yaml:"mention_prefix"`
	BotSuffixes    []string `yaml:"bot_suffixes"`
	DefaultProject string   `yaml:"default_project"`
	RequirePrefix  bool     `yaml:"require_prefix"`
	RecallLimit    int      `yaml:"recall_limit"`
}

// Duration is a YAML-friendly wrapper around time.Duration parsed from
// strings like "30s" or "2h".
type Duration struct{ time.Duration }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns sensible defaults, grounded on the teacher's
// DefaultConfig() shape: one constructor, every sub-config populated.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memoryorch",
		Version: "0.1.0",

		HTTP: HTTPConfig{
			ListenAddr:      ":8088",
			PublicPrefixes:  []string{"/health", "/status"},
			ShutdownTimeout: Duration{10 * time.Second},
		},

		Auth: AuthConfig{
			Production: false,
		},

		Storage: StorageConfig{
			DataDir:         "data",
			OutboxBackend:   "sqlite",
			RawStorePath:    "data/raw_events.db",
			AnalyticDBPath:  "data/analytic.db",
			CanonicalRoot:   "data/canonical",
			VectorDBPath:    "data/vectors.db",
			ArchivalDBPath:  "data/archival.db",
			ArchivalEndpoint: "http://localhost:9300/archival",
			TopicTreePath:   "data/topics.json",
			TaskQueueDBPath: "data/tasks.db",
			FeedbackDBPath:  "data/feedback.db",
			HistoryDir:      "data/history",
			HistoryTSField:  "ts",
		},

		Fanout: FanoutConfig{
			WorkersPerTarget: map[string]int{
				"raw": 2, "vector": 2, "sql": 2, "archival": 1, "observability": 1,
			},
			ClaimBatchSize: 64,
			BulkSizePerTarget: map[string]int{
				"raw": 32, "vector": 16, "sql": 32, "archival": 8, "observability": 32,
			},
			RateLimitPerSec: map[string]float64{
				"raw": 50, "vector": 10, "sql": 20, "archival": 5, "observability": 50,
			},
			MaxAttempts:           8,
			RetryBase:             Duration{500 * time.Millisecond},
			RetryCap:              Duration{5 * time.Minute},
			CoalesceWindow:        Duration{30 * time.Second},
			CoalesceTargets:       []string{"vector", "sql"},
			BackpressureTargets:   []string{"vector", "archival"},
			BackpressureWatermark: 0.65,
			BackpressureMaxSleep:  Duration{2 * time.Second},
			SignalChannelDepth:    256,
			PollInterval:          Duration{500 * time.Millisecond},
			StaleRunningMaxAge:    Duration{5 * time.Minute},
			ArchivalSoftLimit:     500,
			ArchivalHardLimit:     2000,
			LowValueSuffixes:      []string{".lock", ".tmp", ".log"},
			LowValueTopicPrefixes: []string{"scratch", "ephemeral"},
			SQLFailOpen:           true,
			ArchivalErrorStreak:   5,
		},

		Retention: RetentionConfig{
			SucceededHours:     24,
			FailedHours:        72,
			StalePendingHours:  48,
			StaleTargets:       []string{"archival"},
			GCInterval:         Duration{15 * time.Minute},
			SinkInterval:       Duration{time.Hour},
			SinkTimeout:        Duration{30 * time.Second},
			ScanCap:            5000,
			MaxDeletesPerRun:   1000,
			CompactionThresh:   1000,
			MinCompactInterval: Duration{6 * time.Hour},
		},

		Retrieval: RetrievalConfig{
			DefaultSources: []string{"vector", "raw", "analytic", "archival", "canonical-lexical"},
			FastSources:    []string{"vector", "raw"},
			SlowSources:    []string{"analytic", "archival", "canonical-lexical"},
			SourceTimeouts: map[string]Duration{
				"vector": {800 * time.Millisecond}, "raw": {500 * time.Millisecond},
				"analytic": {1500 * time.Millisecond}, "archival": {2 * time.Second},
				"canonical-lexical": {1500 * time.Millisecond},
			},
			SourceWeights: map[string]float64{
				"vector": 1.0, "raw": 0.6, "analytic": 0.7, "archival": 0.5, "canonical-lexical": 0.4,
			},
			StagedFetchEnabled: true,
			MinResultsForSkip:  3,
			MinTopScore:        0.8,
			LearningBoost:      0.15,
			LearningPenalty:    0.2,
			ScanCap:            5000,
			ProjectFileCap:     2000,
			TotalFileCap:       20000,
			EmbedTimeout:       Duration{600 * time.Millisecond},
		},

		TaskQueue: TaskQueueConfig{
			LeaseSeconds:        60,
			DefaultMaxAttempts:  5,
			InternalWorkerCount: 4,
			PollInterval:        Duration{time.Second},
			CallbackHostAllow:   []string{},
			AllowedActions:      []string{"memory_write", "memory_search", "messaging_command", "http_callback", "provider_chat"},
			RetryBase:           Duration{time.Second},
			RetryCap:            Duration{2 * time.Minute},
		},

		Embedding: EmbeddingConfig{
			Provider:       "deterministic",
			GenAIModel:     "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			Dimensions:     256,
			CacheSize:      4096,
			Timeout:        Duration{600 * time.Millisecond},
		},

		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},

		Secrets: SecretsConfig{
			Mode:           "redact",
			StrictChannels: []string{"openclaw"},
		},

		Messaging: MessagingConfig{
			MentionPrefix:  "@memoryorch",
			BotSuffixes:    []string{"-bot", "-dev"},
			DefaultProject: "default",
			RequirePrefix:  true,
			RecallLimit:    5,
		},
	}
}

// Load reads YAML from path (if it exists) over DefaultConfig(), then
// applies MEMORYORCH_-prefixed environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Auth.Production && cfg.Auth.APIKey == "" {
		return nil, fmt.Errorf("config: production mode requires auth.api_key (or MEMORYORCH_AUTH_API_KEY)")
	}

	return cfg, nil
}

// applyEnvOverrides walks a small set of well-known environment variables.
// Grounded on the teacher's env_override_test.go convention of layering
// env vars over a parsed config rather than a full reflection-based binder.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMORYORCH_HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("MEMORYORCH_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("MEMORYORCH_AUTH_PRODUCTION"); v != "" {
		cfg.Auth.Production = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("MEMORYORCH_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MEMORYORCH_STORAGE_OUTBOX_BACKEND"); v != "" {
		cfg.Storage.OutboxBackend = v
	}
	if v := os.Getenv("MEMORYORCH_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("MEMORYORCH_SECRETS_MODE"); v != "" {
		cfg.Secrets.Mode = v
	}
	if v := os.Getenv("MEMORYORCH_FANOUT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fanout.MaxAttempts = n
		}
	}
}
