package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  user_agent: scout-agent
  respect_robots: false
  fetch_concurrency: 6
  max_depth: 4
  max_pages: 120
  per_domain_rps: 2.0
  min_candidate_score: 40
  early_stop_score: 90
  html_content_weight: 55
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
verify:
  threshold: 0.6
pipeline:
  max_download_attempts: 3
  stale_after_minutes: 30
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: sheets
logging:
  development: false
targets:
  stadtwerk-musterstadt:
    name: Stadtwerk Musterstadt GmbH
    base_url: https://www.stadtwerk-musterstadt.de
    hint_urls: ["https://www.stadtwerk-musterstadt.de/netzentgelte"]
    data_types: ["netzentgelte", "hlzf"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.FetchConcurrency != 6 || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply")
	}
	if cfg.Crawler.HTMLContentWeight != 55 {
		t.Fatalf("expected html_content_weight 55, got %d", cfg.Crawler.HTMLContentWeight)
	}
	if cfg.Verify.Threshold != 0.6 {
		t.Fatalf("expected verify threshold 0.6, got %v", cfg.Verify.Threshold)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected gcs storage overrides: %+v", cfg.Storage)
	}
	seed, ok := cfg.Targets["stadtwerk-musterstadt"]
	if !ok || seed.BaseURL != "https://www.stadtwerk-musterstadt.de" {
		t.Fatalf("expected target seed to be loaded: %+v", cfg.Targets)
	}
	if len(seed.DataTypes) != 2 || seed.DataTypes[0] != "netzentgelte" {
		t.Fatalf("expected seed data types to be preserved: %+v", seed)
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
	if got := cfg.StaleJobThreshold(); got != 30*time.Minute {
		t.Fatalf("expected stale threshold 30m, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxDepth != 3 || cfg.Crawler.MaxPages != 50 {
		t.Fatalf("expected frontier defaults, got depth=%d pages=%d", cfg.Crawler.MaxDepth, cfg.Crawler.MaxPages)
	}
	if cfg.Crawler.MinCandidateScore != 30 || cfg.Crawler.EarlyStopScore != 80 {
		t.Fatalf("expected scoring defaults, got %+v", cfg.Crawler)
	}
	if cfg.Verify.Threshold != 0.5 || cfg.Verify.PrefixBytes != 15*1024 {
		t.Fatalf("expected verify defaults, got %+v", cfg.Verify)
	}
	if cfg.Pipeline.MaxDownloadAttempts != 5 || cfg.Pipeline.StaleAfterMinutes != 60 {
		t.Fatalf("expected pipeline defaults, got %+v", cfg.Pipeline)
	}
	if cfg.Storage.Backend != "local" || cfg.PubSub.Backend != "memory" {
		t.Fatalf("expected local/memory backends, got %s/%s", cfg.Storage.Backend, cfg.PubSub.Backend)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{FetchConcurrency: 1, PerDomainRPS: 1},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		Verify:  VerifyConfig{Threshold: 0.5},
		Worker:  WorkerConfig{Count: 1},
		Storage: StorageConfig{Backend: "local"},
		PubSub:  PubSubConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Crawler.FetchConcurrency = 0
				return c
			}(),
			want: "crawler.fetch_concurrency",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
				return c
			}(),
			want: "headless.max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "threshold out of range",
			cfg: func() Config {
				c := base
				c.Verify.Threshold = 1.5
				return c
			}(),
			want: "verify.threshold",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "pubsub without project",
			cfg: func() Config {
				c := base
				c.PubSub.Backend = "pubsub"
				return c
			}(),
			want: "pubsub.project_id",
		},
		{
			name: "target missing base url",
			cfg: func() Config {
				c := base
				c.Targets = map[string]TargetSeed{"x": {Name: "X"}}
				return c
			}(),
			want: "targets.x.base_url",
		},
		{
			name: "target unknown data type",
			cfg: func() Config {
				c := base
				c.Targets = map[string]TargetSeed{
					"x": {Name: "X", BaseURL: "https://x.de", DataTypes: []string{"gaspreise"}},
				}
				return c
			}(),
			want: "targets.x.data_types",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
