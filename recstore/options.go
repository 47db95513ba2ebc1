package recstore

import (
	"github.com/0xRadioAc7iv/go-recstore/internal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Option func(*internal.Config)

// WithConfig replaces every setting with those of cfg. Options after it
// still apply.
func WithConfig(cfg *Config) Option {
	return func(c *internal.Config) {
		*c = *cfg
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *internal.Config) {
		c.Logger = log
	}
}

// WithLockContext makes stores opened with the same context share one
// reader/writer lock.
func WithLockContext(ctx *LockContext) Option {
	return func(c *internal.Config) {
		c.Lock = ctx
	}
}

// WithPool runs the compression tasks of a ref-counted store on a shared
// pool. The pool outlives the store.
func WithPool(p *Pool) Option {
	return func(c *internal.Config) {
		c.Pool = p
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *internal.Config) {
		c.Registerer = reg
	}
}

func WithCapacityPolicy(policy CapacityPolicy) Option {
	return func(c *internal.Config) {
		c.CapacityPolicy = policy
	}
}

func WithPendingWriteCeiling(bytes int64) Option {
	return func(c *internal.Config) {
		c.PendingWriteCeiling = bytes
	}
}

// WithCompactThresholds sets when the heap is compacted on open: waste must
// exceed ratio of the file length and minWaste bytes.
func WithCompactThresholds(ratio float64, minWaste int64) Option {
	return func(c *internal.Config) {
		c.CompactWasteRatio = ratio
		c.CompactMinWaste = minWaste
	}
}

func WithWorkers(n int) Option {
	return func(c *internal.Config) {
		c.Workers = n
	}
}

// WithContentHashMode keeps ref-counted records whose count drops to zero.
func WithContentHashMode(enabled bool) Option {
	return func(c *internal.Config) {
		c.ContentHashMode = enabled
	}
}

// WithDiagnostics verifies every ref-counted read against the last write.
func WithDiagnostics(enabled bool) Option {
	return func(c *internal.Config) {
		c.Diagnostics = enabled
	}
}

func WithMaxOpenAttempts(n int) Option {
	return func(c *internal.Config) {
		c.MaxOpenAttempts = n
	}
}

func WithSyncOnCompact(enabled bool) Option {
	return func(c *internal.Config) {
		c.SyncOnCompact = enabled
	}
}
