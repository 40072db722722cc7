package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	appName        = "dsfetch"
	configFileName = "dsfetch.yaml"
	envPrefix      = "DSFETCH"
)

// Config holds the configuration options for the application.
type Config struct {
	ConcurrencyLimit  int           `yaml:"concurrency_limit,omitempty"  envconfig:"CONCURRENCY_LIMIT"`
	MaxRetries        int           `yaml:"max_retries,omitempty"        envconfig:"MAX_RETRIES"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay,omitempty"   envconfig:"RETRY_BASE_DELAY"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"    envconfig:"CONNECT_TIMEOUT"`
	ReadTimeout       time.Duration `yaml:"read_timeout,omitempty"       envconfig:"READ_TIMEOUT"`
	CacheRoot         string        `yaml:"cache_root,omitempty"         envconfig:"CACHE_ROOT"`
	ChecksumAlgorithm string        `yaml:"checksum_algorithm,omitempty" envconfig:"CHECKSUM_ALGORITHM"`
	Debug             bool          `yaml:"debug,omitempty"              envconfig:"DEBUG"`
	LogPath           string        `yaml:"log_path,omitempty"           envconfig:"LOG_PATH"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit:  concurrencyLimit,
		MaxRetries:        maxRetries,
		RetryBaseDelay:    retryBaseDelay,
		ConnectTimeout:    connectTimeout,
		ReadTimeout:       readTimeout,
		CacheRoot:         cacheRoot,
		ChecksumAlgorithm: checksumAlgorithm,
		LogPath:           logPath,
	}
}

// GetConfig loads the YAML config file from the XDG config home, merges
// it onto the defaults, and finally applies DSFETCH_* environment
// overrides. A missing or empty file yields defaults plus environment.
func GetConfig() (*Config, error) {
	cfg, err := loadFile(filepath.Join(xdg.ConfigHome, appName, configFileName))
	if err != nil {
		return nil, err
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return &Config{
		ConcurrencyLimit:  zeroOr(cfg.ConcurrencyLimit, defaults.ConcurrencyLimit),
		MaxRetries:        zeroOr(cfg.MaxRetries, defaults.MaxRetries),
		RetryBaseDelay:    zeroOr(cfg.RetryBaseDelay, defaults.RetryBaseDelay),
		ConnectTimeout:    zeroOr(cfg.ConnectTimeout, defaults.ConnectTimeout),
		ReadTimeout:       zeroOr(cfg.ReadTimeout, defaults.ReadTimeout),
		CacheRoot:         zeroOr(cfg.CacheRoot, defaults.CacheRoot),
		ChecksumAlgorithm: zeroOr(cfg.ChecksumAlgorithm, defaults.ChecksumAlgorithm),
		Debug:             cfg.Debug,
		LogPath:           zeroOr(cfg.LogPath, defaults.LogPath),
	}, nil
}

// Validate rejects option combinations the fetcher cannot run with.
func (c *Config) Validate() error {
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be >= 1, got %d", c.ConcurrencyLimit)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}

	if c.CacheRoot == "" {
		return fmt.Errorf("cache_root must not be empty")
	}

	return nil
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
