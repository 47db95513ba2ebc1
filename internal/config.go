package internal

import (
	"math"
	"os"

	"github.com/0xRadioAc7iv/go-recstore/internal/lock"
	"github.com/0xRadioAc7iv/go-recstore/internal/pool"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const OneMegabyte = 1024 * 1024

const (
	DefaultPendingWriteCeiling = 20 * OneMegabyte
	DefaultCompactWasteRatio   = 0.25
	DefaultCompactMinWaste     = 3 * OneMegabyte
	DefaultMaxOpenAttempts     = 5
)

// CapacityPolicy maps a required blob length to the capacity reserved for
// it. It must be monotonic and never return less than required.
type CapacityPolicy func(required int) int

// DefaultCapacityPolicy reserves at least 64 bytes, 20% headroom for small
// and medium blobs, capped at rounding up to the next KiB boundary. The
// result never exceeds the 4-byte capacity field.
func DefaultCapacityPolicy(required int) int {
	if required < 64 {
		return 64
	}
	grown := required + required/5
	rounded := (required/1024 + 1) * 1024
	return max(required, min(grown, rounded, math.MaxInt32))
}

// Config carries the tunables and collaborators of a store.
type Config struct {
	PendingWriteCeiling int64   `toml:"pending_write_ceiling"`
	CompactWasteRatio   float64 `toml:"compact_waste_ratio"`
	CompactMinWaste     int64   `toml:"compact_min_waste"`
	Workers             int     `toml:"workers"`
	ContentHashMode     bool    `toml:"content_hash_mode"`
	Diagnostics         bool    `toml:"diagnostics"`
	MaxOpenAttempts     int     `toml:"max_open_attempts"`
	SyncOnCompact       bool    `toml:"sync_on_compact"`

	Logger         *logrus.Entry         `toml:"-"`
	Lock           *lock.Context         `toml:"-"`
	Pool           *pool.Pool            `toml:"-"`
	Registerer     prometheus.Registerer `toml:"-"`
	CapacityPolicy CapacityPolicy        `toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		PendingWriteCeiling: DefaultPendingWriteCeiling,
		CompactWasteRatio:   DefaultCompactWasteRatio,
		CompactMinWaste:     DefaultCompactMinWaste,
		MaxOpenAttempts:     DefaultMaxOpenAttempts,
		SyncOnCompact:       true,
	}
}

// LoadConfigFile reads tunables from a TOML file on top of the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PendingWriteCeiling < 0 {
		return errors.Errorf("pending_write_ceiling must not be negative, got %d", c.PendingWriteCeiling)
	}
	if c.CompactWasteRatio <= 0 || c.CompactWasteRatio >= 1 {
		return errors.Errorf("compact_waste_ratio must be in (0, 1), got %v", c.CompactWasteRatio)
	}
	if c.CompactMinWaste < 0 {
		return errors.Errorf("compact_min_waste must not be negative, got %d", c.CompactMinWaste)
	}
	if c.MaxOpenAttempts < 1 {
		return errors.Errorf("max_open_attempts must be at least 1, got %d", c.MaxOpenAttempts)
	}
	return nil
}

// WithDefaults fills unset collaborators. The returned config is a copy.
func (c *Config) WithDefaults() *Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Lock == nil {
		cfg.Lock = lock.NewContext()
	}
	if cfg.CapacityPolicy == nil {
		cfg.CapacityPolicy = DefaultCapacityPolicy
	}
	if cfg.MaxOpenAttempts < 1 {
		cfg.MaxOpenAttempts = DefaultMaxOpenAttempts
	}
	return &cfg
}
