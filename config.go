// Configuration.
//
// Config is passed to Open. Zero fields take the defaults below, so
// Config{} is a valid configuration. LoadConfig reads the same structure
// from YAML and then applies QUIRE_* environment overrides.
package quire

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds database-wide index settings.
type Config struct {
	HashAlgorithm int           `yaml:"hashAlgorithm"` // 1=xxHash3, 2=FNV1a, 3=Blake2b
	SyncWrites    bool          `yaml:"syncWrites"`    // fsync after every transaction
	Cache         CacheConfig   `yaml:"cache"`
	Build         BuildConfig   `yaml:"build"`
	Logging       LoggingConfig `yaml:"logging"`
	Metrics       MetricsConfig `yaml:"metrics"`
}

// CacheConfig controls the per-index query cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`        // lifetime of a cached result
	Sliding    bool          `yaml:"sliding"`    // reset the TTL on every hit
	MaxEntries int           `yaml:"maxEntries"` // least recently used results are dropped past this
	Disabled   bool          `yaml:"disabled"`
}

// BuildConfig controls the build pipeline and the tree it produces.
type BuildConfig struct {
	MaxBatchValues    int `yaml:"maxBatchValues"`    // values grouped in memory per sorted batch
	FillFactor        int `yaml:"fillFactor"`        // percent of each leaf slot used at build
	MaxEntriesPerNode int `yaml:"maxEntriesPerNode"` // keys per leaf
	FanOutRoot        int `yaml:"fanOutRoot"`        // concurrent fetches are FanOutRoot^(1/levels)
}

// LoggingConfig is consumed by SetupLogging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint served by the CLI.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Defaults.
const (
	DefaultCacheTTL          = time.Minute
	DefaultCacheEntries      = 1000
	DefaultMaxBatchValues    = 100_000
	DefaultFillFactor        = 95
	DefaultMaxEntriesPerNode = 255
	DefaultFanOutRoot        = 500
)

func (c Config) withDefaults() Config {
	if c.HashAlgorithm == 0 {
		c.HashAlgorithm = AlgXXHash3
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheEntries
	}
	if c.Build.MaxBatchValues == 0 {
		c.Build.MaxBatchValues = DefaultMaxBatchValues
	}
	if c.Build.FillFactor == 0 {
		c.Build.FillFactor = DefaultFillFactor
	}
	if c.Build.MaxEntriesPerNode == 0 {
		c.Build.MaxEntriesPerNode = DefaultMaxEntriesPerNode
	}
	if c.Build.FanOutRoot == 0 {
		c.Build.FanOutRoot = DefaultFanOutRoot
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	return c
}

// LoadConfig reads a YAML config file (if path is not empty) and applies
// environment overrides. Missing values take their defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg.withDefaults(), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUIRE_HASH_ALGORITHM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HashAlgorithm = n
		}
	}
	if v := os.Getenv("QUIRE_SYNC_WRITES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SyncWrites = b
		}
	}
	if v := os.Getenv("QUIRE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("QUIRE_CACHE_SLIDING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Sliding = b
		}
	}
	if v := os.Getenv("QUIRE_BUILD_MAX_BATCH_VALUES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Build.MaxBatchValues = n
		}
	}
	if v := os.Getenv("QUIRE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUIRE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("QUIRE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}
