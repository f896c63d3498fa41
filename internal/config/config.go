// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

// EnvPrefix namespaces environment overrides, e.g. PRICETRACKER_SERVER_PORT.
const EnvPrefix = "PRICETRACKER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Catalog   []CatalogEntry  `mapstructure:"catalog"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig guards mutating endpoints with a static API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FetcherConfig selects and tunes the page fetch driver.
type FetcherConfig struct {
	Driver             string        `mapstructure:"driver"`
	UserAgent          string        `mapstructure:"user_agent"`
	Timeout            time.Duration `mapstructure:"timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout    time.Duration `mapstructure:"selector_timeout"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	ScrollPasses       int           `mapstructure:"scroll_passes"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
}

// ScrapeConfig governs orchestrator and adapter behavior.
type ScrapeConfig struct {
	Sources           []string `mapstructure:"sources"`
	SourceConcurrency int      `mapstructure:"source_concurrency"`
	MaxResults        int      `mapstructure:"max_results"`
	MinCardText       int      `mapstructure:"min_card_text"`
	Timezone          string   `mapstructure:"timezone"`
	RatePerSecond     float64  `mapstructure:"rate_per_second"`
	RateBurst         int      `mapstructure:"rate_burst"`
}

// RetryConfig bounds adapter fetch retries.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// NormalizeConfig bounds sane asking prices in whole dollars.
type NormalizeConfig struct {
	MinPrice int64 `mapstructure:"min_price"`
	MaxPrice int64 `mapstructure:"max_price"`
}

// SettingsConfig holds the search settings seeded on first start.
type SettingsConfig struct {
	ZipCode      string `mapstructure:"zip_code"`
	SearchRadius int    `mapstructure:"search_radius"`
}

// CatalogEntry names one tracked model.
type CatalogEntry struct {
	Make  string `mapstructure:"make"`
	Model string `mapstructure:"model"`
}

// ArchiveConfig selects where raw search pages are kept.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for job-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatsConfig tunes the dashboard summary.
type StatsConfig struct {
	CheapestN int `mapstructure:"cheapest_n"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from defaults, an optional file and the environment.
// A .env file in the working directory is applied first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

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
	if len(cfg.Catalog) == 0 {
		for _, m := range tracker.DefaultCatalog() {
			cfg.Catalog = append(cfg.Catalog, CatalogEntry{Make: m.Make, Model: m.Model})
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.sqlite.path", "data/ev_prices.db")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("fetcher.driver", "auto")
	v.SetDefault("fetcher.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.selector_timeout", 10*time.Second)
	v.SetDefault("fetcher.max_parallel", 2)
	v.SetDefault("fetcher.scroll_passes", 3)
	v.SetDefault("fetcher.promotion_threshold", 2048)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("scrape.sources", []string{"cargurus", "autotrader", "cars.com"})
	v.SetDefault("scrape.source_concurrency", 3)
	v.SetDefault("scrape.max_results", 30)
	v.SetDefault("scrape.min_card_text", 20)
	v.SetDefault("scrape.timezone", "America/Chicago")
	v.SetDefault("scrape.rate_per_second", 0.5)
	v.SetDefault("scrape.rate_burst", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 2*time.Second)
	v.SetDefault("retry.max_backoff", 20*time.Second)
	v.SetDefault("normalize.min_price", 5000)
	v.SetDefault("normalize.max_price", 500000)
	v.SetDefault("settings.zip_code", "77001")
	v.SetDefault("settings.search_radius", 200)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.base_dir", "data/pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("stats.cheapest_n", 5)
	v.SetDefault("telemetry.service_name", "ev-price-tracker")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, sqlite or postgres", c.Storage.Backend)
	}
	switch c.Fetcher.Driver {
	case "auto", "headless", "colly":
	default:
		return fmt.Errorf("fetcher.driver %q must be auto, headless or colly", c.Fetcher.Driver)
	}
	if c.Fetcher.Driver != "colly" && c.Fetcher.MaxParallel <= 0 {
		return fmt.Errorf("fetcher.max_parallel must be > 0 when headless rendering is possible")
	}
	if len(c.Scrape.Sources) == 0 {
		return fmt.Errorf("scrape.sources must name at least one source")
	}
	if _, err := c.SourceList(); err != nil {
		return fmt.Errorf("scrape.sources: %w", err)
	}
	if c.Scrape.SourceConcurrency <= 0 {
		return fmt.Errorf("scrape.source_concurrency must be > 0")
	}
	if c.Scrape.MaxResults <= 0 {
		return fmt.Errorf("scrape.max_results must be > 0")
	}
	if _, err := tracker.NewCalendar(c.Scrape.Timezone); err != nil {
		return fmt.Errorf("scrape.timezone: %w", err)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Normalize.MinPrice < 0 || (c.Normalize.MaxPrice > 0 && c.Normalize.MaxPrice < c.Normalize.MinPrice) {
		return fmt.Errorf("normalize.min_price/max_price are inconsistent")
	}
	if err := c.DefaultSettings().Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	for i, entry := range c.Catalog {
		if strings.TrimSpace(entry.Make) == "" || strings.TrimSpace(entry.Model) == "" {
			return fmt.Errorf("catalog[%d] needs both make and model", i)
		}
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q must be none, memory, local or gcs", c.Archive.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Stats.CheapestN <= 0 {
		return fmt.Errorf("stats.cheapest_n must be > 0")
	}
	return nil
}

// SourceList parses the configured source names, dropping duplicates.
func (c Config) SourceList() ([]tracker.Source, error) {
	seen := make(map[tracker.Source]bool, len(c.Scrape.Sources))
	out := make([]tracker.Source, 0, len(c.Scrape.Sources))
	for _, name := range c.Scrape.Sources {
		src, err := tracker.ParseSource(name)
		if err != nil {
			return nil, err
		}
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out, nil
}

// DefaultSettings returns the search settings seeded on first start.
func (c Config) DefaultSettings() tracker.Settings {
	return tracker.Settings{ZipCode: c.Settings.ZipCode, SearchRadius: c.Settings.SearchRadius}
}

// CatalogModels converts the configured catalog into tracked models.
func (c Config) CatalogModels() []tracker.TrackedModel {
	out := make([]tracker.TrackedModel, 0, len(c.Catalog))
	for _, entry := range c.Catalog {
		out = append(out, tracker.TrackedModel{
			Make:  strings.TrimSpace(entry.Make),
			Model: strings.TrimSpace(entry.Model),
		})
	}
	return out
}
