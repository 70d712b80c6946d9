package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPageSize          = 4096
	DefaultPoolPages         = 50
	DefaultLockRetryInterval = 10 * time.Millisecond
)

var ErrInvalidConfig = errors.New("invalid config")

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config holds the construction time settings of a database instance. PageSize must not change once a page is cached.
type Config struct {
	PageSize  int `yaml:"page_size"`
	PoolPages int `yaml:"pool_pages"`

	// LockRetryInterval is the sleep between two attempts of a blocked page lock request.
	LockRetryInterval time.Duration `yaml:"lock_retry_interval"`

	// MaxLockAttempts bounds the attempts of a single lock request, zero means unbounded.
	MaxLockAttempts int `yaml:"max_lock_attempts"`

	DataDir string        `yaml:"data_dir"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func DefaultConfig() Config {
	return Config{
		PageSize:          DefaultPageSize,
		PoolPages:         DefaultPoolPages,
		LockRetryInterval: DefaultLockRetryInterval,
		MaxLockAttempts:   0,
		DataDir:           ".",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads a yaml file on top of DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d: %w", c.PageSize, ErrInvalidConfig)
	}
	if c.PoolPages <= 0 {
		return fmt.Errorf("pool_pages must be positive, got %d: %w", c.PoolPages, ErrInvalidConfig)
	}
	if c.LockRetryInterval < 0 {
		return fmt.Errorf("lock_retry_interval must not be negative: %w", ErrInvalidConfig)
	}
	if c.MaxLockAttempts < 0 {
		return fmt.Errorf("max_lock_attempts must not be negative: %w", ErrInvalidConfig)
	}
	return nil
}
