// Package config loads and validates refcrawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Direct    DirectConfig    `mapstructure:"direct"`
	Rendered  RenderedConfig  `mapstructure:"rendered"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	DNS       DNSConfig       `mapstructure:"dns"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// FetchConfig governs the tier chain and its retry budget.
type FetchConfig struct {
	ConcurrencyLimit  int             `mapstructure:"concurrency_limit"`
	RetryAttempts     int             `mapstructure:"retry_attempts"`
	RetryWaitSchedule []time.Duration `mapstructure:"retry_wait_schedule"`
	DirectTimeout     time.Duration   `mapstructure:"direct_timeout"`
	RenderedTimeout   time.Duration   `mapstructure:"rendered_timeout"`
	ArchiveTimeout    time.Duration   `mapstructure:"archive_timeout"`
	TierOrder         []string        `mapstructure:"tier_order"`
	// ArchiveOnlyHosts skip the live tiers entirely ("host" or "*.suffix").
	ArchiveOnlyHosts []string `mapstructure:"archive_only_hosts"`
	// DirectBlockThreshold skips the direct tier for a host after that many
	// blocked responses; 0 disables it.
	DirectBlockThreshold int `mapstructure:"direct_block_threshold"`
	// TaskLimit bounds live per-URL goroutines; 0 derives it from the
	// concurrency limit.
	TaskLimit int `mapstructure:"task_limit"`
}

// DirectConfig configures the plain HTTP tier.
type DirectConfig struct {
	UserAgent        string            `mapstructure:"user_agent"`
	InsecureTLSRetry bool              `mapstructure:"insecure_tls_retry"`
	MaxBodyBytes     int               `mapstructure:"max_body_bytes"`
	Headers          map[string]string `mapstructure:"headers"`
}

// RenderedConfig configures the headless browser tier.
type RenderedConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	ChallengeWait      time.Duration `mapstructure:"challenge_wait"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout"`
	BlockResources     bool          `mapstructure:"block_resources"`
	ExecPath           string        `mapstructure:"exec_path"`
}

// ArchiveConfig configures the Wayback tier.
type ArchiveConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	Policy               string  `mapstructure:"policy"`
	CDXEndpoint          string  `mapstructure:"cdx_endpoint"`
	AvailabilityEndpoint string  `mapstructure:"availability_endpoint"`
	SnapshotBase         string  `mapstructure:"snapshot_base"`
	RequestsPerMinute    float64 `mapstructure:"requests_per_minute"`
	Burst                int     `mapstructure:"burst"`
	MaxBodyBytes         int64   `mapstructure:"max_body_bytes"`
}

// DNSConfig controls the per-host resolution pre-check.
type DNSConfig struct {
	Precheck              bool          `mapstructure:"precheck"`
	SkipRenderedOnFailure bool          `mapstructure:"skip_rendered_on_failure"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects and configures the result store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BlobConfig selects where binary artifacts are written.
type BlobConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublisherConfig holds metadata for outcome notifications.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	LogEvery      int           `mapstructure:"log_every"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Providers shared by blob and publisher settings.
const (
	ProviderNone   = "none"
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderPubSub = "pubsub"
)

// Load builds a Config from disk/environment. An empty path reads only
// defaults and REFCRAWLER_* variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REFCRAWLER")
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
	v.SetDefault("fetch.concurrency_limit", 20)
	v.SetDefault("fetch.retry_attempts", crawler.DefaultRetryAttempts)
	v.SetDefault("fetch.retry_wait_schedule", []string{"1s", "3s", "5s"})
	v.SetDefault("fetch.direct_timeout", 10*time.Second)
	v.SetDefault("fetch.rendered_timeout", 30*time.Second)
	v.SetDefault("fetch.archive_timeout", 30*time.Second)
	v.SetDefault("fetch.tier_order", []string{"direct", "rendered", "archive"})
	v.SetDefault("fetch.task_limit", 0)
	v.SetDefault("fetch.archive_only_hosts", []string{})
	v.SetDefault("fetch.direct_block_threshold", 0)

	v.SetDefault("direct.user_agent", "Mozilla/5.0")
	v.SetDefault("direct.insecure_tls_retry", true)
	v.SetDefault("direct.max_body_bytes", 20<<20)
	v.SetDefault("direct.headers", map[string]string{})

	v.SetDefault("rendered.enabled", true)
	v.SetDefault("rendered.max_parallel", 5)
	v.SetDefault("rendered.challenge_wait", 5*time.Second)
	v.SetDefault("rendered.network_idle_timeout", 5*time.Second)
	v.SetDefault("rendered.block_resources", true)
	v.SetDefault("rendered.exec_path", "")

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.policy", "oldest")
	v.SetDefault("archive.cdx_endpoint", "https://web.archive.org/cdx/search/cdx")
	v.SetDefault("archive.availability_endpoint", "https://archive.org/wayback/available")
	v.SetDefault("archive.snapshot_base", "https://web.archive.org/web")
	v.SetDefault("archive.requests_per_minute", 15)
	v.SetDefault("archive.burst", 1)
	v.SetDefault("archive.max_body_bytes", 20<<20)

	v.SetDefault("dns.precheck", true)
	v.SetDefault("dns.skip_rendered_on_failure", true)
	v.SetDefault("dns.timeout", 5*time.Second)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.dsn", "refcrawler.db")
	v.SetDefault("store.table", "fetch_outcomes")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.max_conn_lifetime", time.Hour)

	v.SetDefault("blob.provider", ProviderNone)
	v.SetDefault("blob.base_dir", "blobs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "artifacts")

	v.SetDefault("publisher.provider", ProviderNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "fetch-outcomes")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("progress.log_every", 100)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 64)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 15*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "refcrawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Fetch.ConcurrencyLimit > 0, "fetch.concurrency_limit must be > 0")
	check(c.Fetch.DirectBlockThreshold >= 0, "fetch.direct_block_threshold must be >= 0")
	check(c.Fetch.RetryAttempts > 0, "fetch.retry_attempts must be > 0")
	check(len(c.Fetch.RetryWaitSchedule) > 0, "fetch.retry_wait_schedule must not be empty")
	for i, d := range c.Fetch.RetryWaitSchedule {
		check(d >= 0, "fetch.retry_wait_schedule[%d] must be >= 0", i)
	}
	check(c.Fetch.DirectTimeout > 0, "fetch.direct_timeout must be > 0")
	check(c.Fetch.RenderedTimeout > 0, "fetch.rendered_timeout must be > 0")
	check(c.Fetch.ArchiveTimeout > 0, "fetch.archive_timeout must be > 0")
	check(c.Fetch.TaskLimit >= 0, "fetch.task_limit must be >= 0")
	if _, err := c.Fetch.Tiers(); err != nil {
		errs = append(errs, err)
	}

	check(c.Direct.MaxBodyBytes >= 0, "direct.max_body_bytes must be >= 0")
	if c.Rendered.Enabled {
		check(c.Rendered.MaxParallel > 0, "rendered.max_parallel must be > 0 when rendering is enabled")
		check(c.Rendered.MaxParallel <= c.Fetch.ConcurrencyLimit, "rendered.max_parallel must not exceed fetch.concurrency_limit")
	}
	if c.Archive.Enabled {
		check(c.Archive.Policy == "oldest" || c.Archive.Policy == "newest", "archive.policy must be oldest or newest, got %q", c.Archive.Policy)
		check(c.Archive.RequestsPerMinute >= 0, "archive.requests_per_minute must be >= 0")
	}
	check(!c.DNS.Precheck || c.DNS.Timeout > 0, "dns.timeout must be > 0 when the precheck is enabled")

	switch c.Store.Driver {
	case StorePostgres, StoreSQLite:
		check(c.Store.DSN != "", "store.dsn must be set for driver %s", c.Store.Driver)
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be postgres, sqlite or memory, got %q", c.Store.Driver))
	}

	switch c.Blob.Provider {
	case ProviderNone, "", ProviderMemory:
	case ProviderLocal:
		check(c.Blob.BaseDir != "", "blob.base_dir must be set for the local provider")
	case ProviderGCS:
		check(c.Blob.Bucket != "", "blob.bucket must be set for the gcs provider")
	default:
		errs = append(errs, fmt.Errorf("blob.provider %q is not supported", c.Blob.Provider))
	}

	switch c.Publisher.Provider {
	case ProviderNone, "", ProviderMemory:
	case ProviderPubSub:
		check(c.Publisher.ProjectID != "", "publisher.project_id must be set for the pubsub provider")
		check(c.Publisher.Topic != "", "publisher.topic must be set for the pubsub provider")
	default:
		errs = append(errs, fmt.Errorf("publisher.provider %q is not supported", c.Publisher.Provider))
	}

	check(c.Progress.LogEvery >= 0, "progress.log_every must be >= 0")
	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Tiers parses the configured tier order, rejecting unknown and repeated names.
func (f FetchConfig) Tiers() ([]crawler.Tier, error) {
	if len(f.TierOrder) == 0 {
		return nil, errors.New("fetch.tier_order must not be empty")
	}
	tiers := make([]crawler.Tier, 0, len(f.TierOrder))
	seen := make(map[crawler.Tier]struct{}, len(f.TierOrder))
	for _, name := range f.TierOrder {
		tier, ok := crawler.ParseTier(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("fetch.tier_order: unknown tier %q", name)
		}
		if _, dup := seen[tier]; dup {
			return nil, fmt.Errorf("fetch.tier_order: tier %q listed twice", name)
		}
		seen[tier] = struct{}{}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// EnabledTiers drops tiers switched off by their own section.
func (c Config) EnabledTiers() []crawler.Tier {
	tiers, err := c.Fetch.Tiers()
	if err != nil {
		return nil
	}
	out := tiers[:0]
	for _, t := range tiers {
		if (t == crawler.TierRendered && !c.Rendered.Enabled) || (t == crawler.TierArchive && !c.Archive.Enabled) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// HTTPHeaders returns the extra direct-tier headers. Viper lowercases map
// keys, so they are canonicalized here.
func (d DirectConfig) HTTPHeaders() http.Header {
	if len(d.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		out.Set(k, v)
	}
	return out
}
