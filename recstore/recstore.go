package recstore

import (
	"github.com/0xRadioAc7iv/go-recstore/core"
	"github.com/0xRadioAc7iv/go-recstore/internal"
	"github.com/0xRadioAc7iv/go-recstore/internal/lock"
	"github.com/0xRadioAc7iv/go-recstore/internal/pool"
)

type (
	Storage           = core.Storage
	RefCountedStorage = core.RefCountedStorage
	RecordIDIterator  = core.RecordIDIterator
	Stats             = core.Stats
	Config            = internal.Config
	CapacityPolicy    = internal.CapacityPolicy
	LockContext       = lock.Context
	Pool              = pool.Pool
)

var (
	ErrCorrupted     = core.ErrCorrupted
	ErrInterrupted   = core.ErrInterrupted
	ErrUnsupported   = core.ErrUnsupported
	ErrInvalidRecord = core.ErrInvalidRecord
	ErrRecordDeleted = core.ErrRecordDeleted
	ErrOutOfBounds   = core.ErrOutOfBounds
	ErrRefCount      = core.ErrRefCount
	ErrClosed        = core.ErrClosed
	ErrLocked        = lock.ErrLocked
)

// Open opens or creates the store whose files share the base path.
func Open(path string, opts ...Option) (*Storage, error) {
	return core.Open(path, buildConfig(opts))
}

// OpenRefCounted opens or creates a store with reference-counted,
// compressed records.
func OpenRefCounted(path string, opts ...Option) (*RefCountedStorage, error) {
	return core.OpenRefCounted(path, buildConfig(opts))
}

func DefaultConfig() *Config {
	return internal.DefaultConfig()
}

// LoadConfigFile reads store tunables from a TOML file. Pass the result to
// WithConfig.
func LoadConfigFile(path string) (*Config, error) {
	return internal.LoadConfigFile(path)
}

// NewLockContext returns a lock to share between stores with WithLockContext.
func NewLockContext() *LockContext {
	return lock.NewContext()
}

// NewPool returns a worker pool to share between ref-counted stores with
// WithPool. A non-positive size means GOMAXPROCS.
func NewPool(workers int) *Pool {
	return pool.New(workers)
}

func buildConfig(opts []Option) *internal.Config {
	cfg := internal.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
