// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	_ "time/tzdata" // time zones resolve without system zoneinfo

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// EnvPrefix prefixes environment overrides, e.g. NEWSINGEST_STORAGE_DSN.
const EnvPrefix = "NEWSINGEST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cycle     CycleConfig     `mapstructure:"cycle"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CycleConfig bounds and schedules ingestion cycles.
type CycleConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxItems       int           `mapstructure:"max_items"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	LockPath       string        `mapstructure:"lock_path"`
	ReembedLimit   int           `mapstructure:"reembed_limit"`
}

// HTTPConfig configures the outbound client shared by connectors.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// CircuitConfig holds the breaker defaults for every guarded call.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// FeedConfig is one RSS or Atom feed.
type FeedConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// SourceConfig configures one source instance. Zero limiter fields fall
// back to the per-kind defaults.
type SourceConfig struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Disabled bool   `mapstructure:"disabled"`

	Capacity            int           `mapstructure:"capacity"`
	RefillRate          float64       `mapstructure:"refill_rate"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	PageSize            int           `mapstructure:"page_size"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseURL             string        `mapstructure:"base_url"`

	// hackernews
	List     string   `mapstructure:"list"`
	Keywords []string `mapstructure:"keywords"`
	// rss
	Feeds []FeedConfig `mapstructure:"feeds"`
	// arxiv
	Categories []string `mapstructure:"categories"`
	MaxResults int      `mapstructure:"max_results"`
	// github
	Repos              []string `mapstructure:"repos"`
	Token              string   `mapstructure:"token"`
	IncludePrereleases bool     `mapstructure:"include_prereleases"`
}

// Limits returns the token bucket for the source, applying kind defaults.
func (s SourceConfig) Limits() (capacity int, refill float64) {
	capacity, refill = KindLimits(s.Kind)
	if s.Capacity > 0 {
		capacity = s.Capacity
	}
	if s.RefillRate > 0 {
		refill = s.RefillRate
	}
	return capacity, refill
}

// KindLimits are the default bucket sizes and refill rates per source kind.
func KindLimits(kind string) (int, float64) {
	switch ingest.Source(kind) {
	case ingest.SourceHackerNews:
		return 10, 1
	case ingest.SourceRSS:
		return 5, 0.5
	case ingest.SourceArxiv:
		return 3, 0.33
	case ingest.SourceGitHub:
		return 5, 1
	default:
		return 5, 1
	}
}

// EmbeddingConfig selects the provider and the vector cache.
type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Dimensions  int           `mapstructure:"dimensions"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Capacity    int           `mapstructure:"capacity"`
	RefillRate  float64       `mapstructure:"refill_rate"`
	Cache       CacheConfig   `mapstructure:"cache"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Kind     string        `mapstructure:"kind"`
	Size     int           `mapstructure:"size"`
	TTL      time.Duration `mapstructure:"ttl"`
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	Threshold       float64       `mapstructure:"threshold"`
	TopK            int           `mapstructure:"top_k"`
	TimeZone        string        `mapstructure:"time_zone"`
	DayWindow       int           `mapstructure:"day_window"`
	StrongThreshold float64       `mapstructure:"strong_threshold"`
	TitleOverlap    float64       `mapstructure:"title_overlap"`
	Lookback        time.Duration `mapstructure:"lookback"`
	StoreRetries    int           `mapstructure:"store_retries"`
}

// Location resolves TimeZone.
func (d DedupConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("dedup.time_zone: %w", err)
	}
	return loc, nil
}

// StorageConfig selects the article store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	Kind   string `mapstructure:"kind"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds the report topic. An empty project keeps reports in
// process and in the log.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	// ReportTopic is the logical topic attribute of cycle reports.
	ReportTopic string `mapstructure:"report_topic"`
}

// ProgressConfig sizes the progress hub and the cycle history.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	HistorySize    int           `mapstructure:"history_size"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("cycle.interval", "30m")
	v.SetDefault("cycle.run_on_start", true)
	v.SetDefault("cycle.max_concurrency", 4)
	v.SetDefault("cycle.max_pages", 10)
	v.SetDefault("cycle.max_items", 100)
	v.SetDefault("cycle.call_timeout", "30s")
	v.SetDefault("cycle.lock_path", "")
	v.SetDefault("cycle.reembed_limit", 0)

	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.user_agent", "realtime-news-ingest/0.1 (+https://github.com/JakeFAU/realtime-news-ingest)")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_base", "1s")
	v.SetDefault("http.backoff_max", "60s")

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", "5m")

	v.SetDefault("sources", []map[string]any{
		{"name": "hackernews", "kind": "hackernews", "list": "newstories"},
	})

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.capacity", 20)
	v.SetDefault("embedding.refill_rate", 2.0)
	v.SetDefault("embedding.cache.kind", "memory")
	v.SetDefault("embedding.cache.size", 10000)
	v.SetDefault("embedding.cache.ttl", "24h")
	v.SetDefault("embedding.cache.redis_url", "")
	v.SetDefault("embedding.cache.prefix", "newsingest:emb:")

	v.SetDefault("dedup.threshold", 0.85)
	v.SetDefault("dedup.top_k", 5)
	v.SetDefault("dedup.time_zone", "UTC")
	v.SetDefault("dedup.day_window", 0)
	v.SetDefault("dedup.strong_threshold", 0.0)
	v.SetDefault("dedup.title_overlap", 0.0)
	v.SetDefault("dedup.lookback", "0s")
	v.SetDefault("dedup.store_retries", 3)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.path", "newsingest.db")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime", "30m")
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.migrate", true)

	v.SetDefault("archive.kind", "none")
	v.SetDefault("archive.dir", "data/raw")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.report_topic", "cycle.completed")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.history_size", 50)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if err := c.Cycle.validate(); err != nil {
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return errors.New("http.max_attempts must be > 0")
	}
	if c.HTTP.BackoffBase < 0 || c.HTTP.BackoffMax < c.HTTP.BackoffBase {
		return errors.New("http.backoff_base must be >= 0 and <= http.backoff_max")
	}
	if c.Circuit.FailureThreshold <= 0 || c.Circuit.Cooldown <= 0 {
		return errors.New("circuit.failure_threshold and circuit.cooldown must be > 0")
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.Embedding.validate(); err != nil {
		return err
	}
	if err := c.Dedup.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return errors.New("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

func (c CycleConfig) validate() error {
	switch {
	case c.Interval <= 0:
		return errors.New("cycle.interval must be > 0")
	case c.MaxConcurrency <= 0:
		return errors.New("cycle.max_concurrency must be > 0")
	case c.MaxPages <= 0:
		return errors.New("cycle.max_pages must be > 0")
	case c.MaxItems <= 0:
		return errors.New("cycle.max_items must be > 0")
	case c.CallTimeout <= 0:
		return errors.New("cycle.call_timeout must be > 0")
	case c.ReembedLimit < 0:
		return errors.New("cycle.reembed_limit must be >= 0")
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%s: duplicate source name %q", field, s.Name)
		}
		seen[s.Name] = struct{}{}
		if _, err := ingest.ParseSource(s.Kind); err != nil {
			return fmt.Errorf("%s (%s): %w", field, s.Name, err)
		}
		if s.Capacity < 0 || s.RefillRate < 0 || s.FailureThreshold < 0 || s.Cooldown < 0 {
			return fmt.Errorf("%s (%s): rate limit settings must be >= 0", field, s.Name)
		}
		if s.PageSize < 0 || s.MaxAttempts < 0 || s.MaxResults < 0 {
			return fmt.Errorf("%s (%s): page_size, max_attempts and max_results must be >= 0", field, s.Name)
		}
		if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
			return fmt.Errorf("%s (%s): similarity_threshold must be in (0, 1]", field, s.Name)
		}
		switch ingest.Source(s.Kind) {
		case ingest.SourceRSS:
			if len(s.Feeds) == 0 {
				return fmt.Errorf("%s (%s): rss sources need at least one feed", field, s.Name)
			}
			for _, f := range s.Feeds {
				if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
					return fmt.Errorf("%s (%s): feed url %q must be http(s)", field, s.Name, f.URL)
				}
			}
		case ingest.SourceGitHub:
			if len(s.Repos) == 0 {
				return fmt.Errorf("%s (%s): github sources need at least one repo", field, s.Name)
			}
			for _, r := range s.Repos {
				if owner, repo, ok := strings.Cut(r, "/"); !ok || owner == "" || repo == "" {
					return fmt.Errorf("%s (%s): repo %q must be owner/repo", field, s.Name, r)
				}
			}
		}
	}
	return nil
}

// Enabled returns the sources that are not disabled.
func (c Config) Enabled() []SourceConfig {
	return slices.DeleteFunc(slices.Clone(c.Sources), func(s SourceConfig) bool { return s.Disabled })
}

// Overrides returns the per-source similarity thresholds.
func (c Config) Overrides() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.Sources {
		if s.SimilarityThreshold > 0 {
			out[s.Name] = s.SimilarityThreshold
		}
	}
	return out
}

func (e EmbeddingConfig) validate() error {
	switch e.Provider {
	case "hashing":
	case "openai":
		if e.APIKey == "" {
			return errors.New("embedding.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("embedding.provider %q is not supported", e.Provider)
	}
	switch {
	case e.Dimensions <= 0:
		return errors.New("embedding.dimensions must be > 0")
	case e.BatchSize <= 0 || e.BatchSize > 100:
		return errors.New("embedding.batch_size must be in [1, 100]")
	case e.MaxAttempts <= 0:
		return errors.New("embedding.max_attempts must be > 0")
	case e.Capacity < 0 || e.RefillRate < 0:
		return errors.New("embedding.capacity and embedding.refill_rate must be >= 0")
	}
	switch e.Cache.Kind {
	case "none":
	case "memory":
		if e.Cache.Size <= 0 {
			return errors.New("embedding.cache.size must be > 0")
		}
	case "redis":
		if e.Cache.RedisURL == "" {
			return errors.New("embedding.cache.redis_url is required for the redis cache")
		}
	default:
		return fmt.Errorf("embedding.cache.kind %q is not supported", e.Cache.Kind)
	}
	return nil
}

func (d DedupConfig) validate() error {
	if d.Threshold <= 0 || d.Threshold > 1 {
		return errors.New("dedup.threshold must be in (0, 1]")
	}
	if d.StrongThreshold < 0 || d.StrongThreshold > 1 || d.TitleOverlap < 0 || d.TitleOverlap > 1 {
		return errors.New("dedup.strong_threshold and dedup.title_overlap must be in [0, 1]")
	}
	if d.TopK <= 0 {
		return errors.New("dedup.top_k must be > 0")
	}
	if d.DayWindow < 0 || d.Lookback < 0 {
		return errors.New("dedup.day_window and dedup.lookback must be >= 0")
	}
	if d.StoreRetries <= 0 {
		return errors.New("dedup.store_retries must be > 0")
	}
	if _, err := d.Location(); err != nil {
		return err
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Driver {
	case "memory":
	case "postgres":
		if s.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	case "sqlite":
		if s.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", s.Driver)
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Kind {
	case "none", "memory":
	case "local":
		if a.Dir == "" {
			return errors.New("archive.dir is required for the local archive")
		}
	case "gcs":
		if a.Bucket == "" {
			return errors.New("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.kind %q is not supported", a.Kind)
	}
	return nil
}
