package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.ConcurrencyLimit != 20 {
		t.Fatalf("expected concurrency 20, got %d", cfg.Fetch.ConcurrencyLimit)
	}
	if cfg.Fetch.RetryAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Fetch.RetryAttempts)
	}
	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(cfg.Fetch.RetryWaitSchedule, want) {
		t.Fatalf("expected schedule %v, got %v", want, cfg.Fetch.RetryWaitSchedule)
	}
	if cfg.Fetch.DirectTimeout != 10*time.Second || cfg.Fetch.RenderedTimeout != 30*time.Second || cfg.Fetch.ArchiveTimeout != 30*time.Second {
		t.Fatalf("unexpected tier timeouts: %+v", cfg.Fetch)
	}
	tiers, err := cfg.Fetch.Tiers()
	if err != nil {
		t.Fatalf("Tiers() error = %v", err)
	}
	if !reflect.DeepEqual(tiers, crawler.DefaultTierOrder) {
		t.Fatalf("expected default tier order, got %v", tiers)
	}
	if cfg.Rendered.MaxParallel != 5 || !cfg.Rendered.BlockResources {
		t.Fatalf("unexpected rendered defaults: %+v", cfg.Rendered)
	}
	if cfg.Archive.Policy != "oldest" || cfg.Archive.RequestsPerMinute != 15 {
		t.Fatalf("unexpected archive defaults: %+v", cfg.Archive)
	}
	if !cfg.DNS.Precheck || !cfg.DNS.SkipRenderedOnFailure {
		t.Fatalf("expected dns precheck on by default: %+v", cfg.DNS)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Progress.LogEvery != 100 {
		t.Fatalf("unexpected store/progress defaults: %+v %+v", cfg.Store, cfg.Progress)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
fetch:
  concurrency_limit: 8
  retry_attempts: 2
  retry_wait_schedule: ["250ms", "2s"]
  direct_timeout: 4s
  tier_order: [archive, direct]
direct:
  user_agent: refcrawler-test
  headers:
    x-trace: "on"
rendered:
  enabled: false
archive:
  policy: newest
  requests_per_minute: 30
store:
  driver: postgres
  dsn: postgres://localhost/refs
  max_conns: 4
blob:
  provider: gcs
  bucket: artifacts
publisher:
  provider: pubsub
  project_id: demo
  topic: outcomes
server:
  port: 9090
  api_key: secret
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Fetch.ConcurrencyLimit != 8 || cfg.Fetch.RetryAttempts != 2 {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if !reflect.DeepEqual(cfg.Fetch.RetryWaitSchedule, []time.Duration{250 * time.Millisecond, 2 * time.Second}) {
		t.Fatalf("unexpected schedule %v", cfg.Fetch.RetryWaitSchedule)
	}
	if cfg.Fetch.DirectTimeout != 4*time.Second {
		t.Fatalf("expected direct timeout 4s, got %v", cfg.Fetch.DirectTimeout)
	}
	if got := cfg.EnabledTiers(); !reflect.DeepEqual(got, []crawler.Tier{crawler.TierArchive, crawler.TierDirect}) {
		t.Fatalf("unexpected tiers %v", got)
	}
	if got := cfg.Direct.HTTPHeaders().Get("X-Trace"); got != "on" {
		t.Fatalf("expected canonical header, got %q", got)
	}
	if cfg.Archive.Policy != "newest" || cfg.Archive.RequestsPerMinute != 30 {
		t.Fatalf("unexpected archive config %+v", cfg.Archive)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Store.MaxConns != 4 {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Blob.Bucket != "artifacts" || cfg.Publisher.Topic != "outcomes" {
		t.Fatalf("unexpected blob/publisher config %+v %+v", cfg.Blob, cfg.Publisher)
	}
	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" || cfg.Logging.Development {
		t.Fatalf("unexpected server/logging config %+v %+v", cfg.Server, cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REFCRAWLER_FETCH_CONCURRENCY_LIMIT", "3")
	t.Setenv("REFCRAWLER_RENDERED_MAX_PARALLEL", "2")
	t.Setenv("REFCRAWLER_ARCHIVE_POLICY", "newest")
	t.Setenv("REFCRAWLER_STORE_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Fetch.ConcurrencyLimit != 3 || cfg.Rendered.MaxParallel != 2 {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Fetch, cfg.Rendered)
	}
	if cfg.Archive.Policy != "newest" || cfg.Store.Driver != StoreMemory {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Archive, cfg.Store)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "concurrency", mutate: func(c *Config) { c.Fetch.ConcurrencyLimit = 0 }, want: "fetch.concurrency_limit"},
		{name: "block threshold", mutate: func(c *Config) { c.Fetch.DirectBlockThreshold = -1 }, want: "fetch.direct_block_threshold"},
		{name: "attempts", mutate: func(c *Config) { c.Fetch.RetryAttempts = 0 }, want: "fetch.retry_attempts"},
		{name: "empty schedule", mutate: func(c *Config) { c.Fetch.RetryWaitSchedule = nil }, want: "fetch.retry_wait_schedule"},
		{name: "negative wait", mutate: func(c *Config) { c.Fetch.RetryWaitSchedule = []time.Duration{-time.Second} }, want: "retry_wait_schedule[0]"},
		{name: "unknown tier", mutate: func(c *Config) { c.Fetch.TierOrder = []string{"direct", "ftp"} }, want: "unknown tier"},
		{name: "repeated tier", mutate: func(c *Config) { c.Fetch.TierOrder = []string{"direct", "direct"} }, want: "listed twice"},
		{name: "browser gate", mutate: func(c *Config) { c.Rendered.MaxParallel = 0 }, want: "rendered.max_parallel"},
		{name: "browser gate too wide", mutate: func(c *Config) { c.Rendered.MaxParallel = 50 }, want: "must not exceed"},
		{name: "policy", mutate: func(c *Config) { c.Archive.Policy = "random" }, want: "archive.policy"},
		{name: "store driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, want: "store.driver"},
		{name: "store dsn", mutate: func(c *Config) { c.Store.DSN = "" }, want: "store.dsn"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Blob.Provider = ProviderGCS }, want: "blob.bucket"},
		{name: "blob provider", mutate: func(c *Config) { c.Blob.Provider = "s3" }, want: "blob.provider"},
		{name: "pubsub project", mutate: func(c *Config) { c.Publisher.Provider = ProviderPubSub }, want: "publisher.project_id"},
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Fetch.RetryWaitSchedule = append([]time.Duration(nil), base.Fetch.RetryWaitSchedule...)
			cfg.Fetch.TierOrder = append([]string(nil), base.Fetch.TierOrder...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.want)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Rendered.Enabled = false
	cfg.Rendered.MaxParallel = 0
	cfg.Archive.Enabled = false
	cfg.Archive.Policy = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := cfg.EnabledTiers(); !reflect.DeepEqual(got, []crawler.Tier{crawler.TierDirect}) {
		t.Fatalf("expected only the direct tier, got %v", got)
	}
}
