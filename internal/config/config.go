// Package config loads and validates scout service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig     `mapstructure:"application"`
	Server      ServerConfig          `mapstructure:"server"`
	Auth        AuthConfig            `mapstructure:"auth"`
	Crawler     CrawlerConfig         `mapstructure:"crawler"`
	HTTP        HTTPConfig            `mapstructure:"http"`
	Headless    HeadlessConfig        `mapstructure:"headless"`
	Verify      VerifyConfig          `mapstructure:"verify"`
	Pipeline    PipelineConfig        `mapstructure:"pipeline"`
	Extraction  ExtractionConfig      `mapstructure:"extraction"`
	Worker      WorkerConfig          `mapstructure:"worker"`
	DB          DBConfig              `mapstructure:"db"`
	Storage     StorageConfig         `mapstructure:"storage"`
	PubSub      PubSubConfig          `mapstructure:"pubsub"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	Targets     map[string]TargetSeed `mapstructure:"targets"`
}

// ApplicationConfig identifies the service for telemetry and publishing.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs discovery behavior: frontier limits, scoring
// thresholds, and politeness toward operator sites.
type CrawlerConfig struct {
	UserAgent         string   `mapstructure:"user_agent"`
	RespectRobots     bool     `mapstructure:"respect_robots"`
	FetchConcurrency  int      `mapstructure:"fetch_concurrency"`
	MaxDepth          int      `mapstructure:"max_depth"`
	MaxPages          int      `mapstructure:"max_pages"`
	PerDomainRPS      float64  `mapstructure:"per_domain_rps"`
	BlockedHosts      []string `mapstructure:"blocked_hosts"`
	AllowPrivateHosts bool     `mapstructure:"allow_private_hosts"`
	MinCandidateScore int      `mapstructure:"min_candidate_score"`
	EarlyStopScore    int      `mapstructure:"early_stop_score"`
	MaxSitemapFetches int      `mapstructure:"max_sitemap_fetches"`
	HTMLContentWeight int      `mapstructure:"html_content_weight"`
}

// HTTPConfig configures HTTP client timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// VerifyConfig tunes content verification.
type VerifyConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	PrefixBytes int     `mapstructure:"prefix_bytes"`
}

// PipelineConfig governs crawl job execution and recovery.
type PipelineConfig struct {
	MaxDownloadAttempts int    `mapstructure:"max_download_attempts"`
	StaleAfterMinutes   int    `mapstructure:"stale_after_minutes"`
	SpoolDir            string `mapstructure:"spool_dir"`
}

// ExtractionConfig points at the external extraction service used for PDF
// and spreadsheet artifacts. An empty service URL disables it; HTML tables
// are always extracted in-process.
type ExtractionConfig struct {
	ServiceURL     string `mapstructure:"service_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// WorkerConfig sizes the background job workers. The default of one worker
// keeps a single pipeline run in flight at a time; raising it is safe only
// because each run still holds its target's crawl lock.
type WorkerConfig struct {
	Count      int `mapstructure:"count"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig selects and configures the archive blob store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for document event notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TargetSeed declares a network operator to track, keyed by slug in the
// targets map. Seeds are upserted into the store at startup.
type TargetSeed struct {
	Name      string   `mapstructure:"name"`
	BaseURL   string   `mapstructure:"base_url"`
	HintURLs  []string `mapstructure:"hint_urls"`
	DataTypes []string `mapstructure:"data_types"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TARIFFSCOUT")
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
	v.SetDefault("application.service_name", "tariffscout")
	v.SetDefault("application.version", "0.1.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "TariffScout-Bot/0.1 (+https://github.com/netzbureau/tariffscout)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_concurrency", 3)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.per_domain_rps", 1.0)
	v.SetDefault("crawler.blocked_hosts", []string{})
	v.SetDefault("crawler.allow_private_hosts", false)
	v.SetDefault("crawler.min_candidate_score", 30)
	v.SetDefault("crawler.early_stop_score", 80)
	v.SetDefault("crawler.max_sitemap_fetches", 25)
	v.SetDefault("crawler.html_content_weight", 60)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("verify.threshold", 0.5)
	v.SetDefault("verify.prefix_bytes", 15*1024)
	v.SetDefault("pipeline.max_download_attempts", 5)
	v.SetDefault("pipeline.stale_after_minutes", 60)
	v.SetDefault("pipeline.spool_dir", "data/spool")
	v.SetDefault("extraction.timeout_seconds", 60)
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/archive")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("pubsub.backend", "memory")
	v.SetDefault("pubsub.topic_id", "tariff-documents")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.FetchConcurrency <= 0 {
		return fmt.Errorf("crawler.fetch_concurrency must be > 0")
	}
	if c.Crawler.PerDomainRPS <= 0 {
		return fmt.Errorf("crawler.per_domain_rps must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Verify.Threshold <= 0 || c.Verify.Threshold > 1 {
		return fmt.Errorf("verify.threshold must be in (0, 1]")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Extraction.ServiceURL != "" && c.Extraction.TimeoutSeconds <= 0 {
		return fmt.Errorf("extraction.timeout_seconds must be > 0 when a service url is set")
	}
	switch c.Storage.Backend {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
	}
	switch c.PubSub.Backend {
	case "memory", "pubsub", "none":
	default:
		return fmt.Errorf("pubsub.backend must be one of memory, pubsub, none")
	}
	if c.PubSub.Backend == "pubsub" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.backend is pubsub")
	}
	for slug, seed := range c.Targets {
		if seed.BaseURL == "" {
			return fmt.Errorf("targets.%s.base_url must be set", slug)
		}
		for _, dt := range seed.DataTypes {
			if !crawler.DataType(dt).Valid() {
				return fmt.Errorf("targets.%s.data_types contains unknown type %q", slug, dt)
			}
		}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// InitialBackoff converts the configured initial retry backoff into a duration.
func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// MaxBackoff converts the configured retry backoff cap into a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// NavTimeout converts the headless navigation timeout into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// ExtractionTimeout converts the extraction service timeout into a duration.
func (c Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.Extraction.TimeoutSeconds) * time.Second
}

// StaleJobThreshold returns the age after which a running job is considered
// abandoned by the recovery sweep.
func (c Config) StaleJobThreshold() time.Duration {
	return time.Duration(c.Pipeline.StaleAfterMinutes) * time.Minute
}
