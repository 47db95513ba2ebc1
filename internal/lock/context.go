// Package lock holds the two locks a store relies on: the cross-process
// advisory lock on its files and the in-process read/write lock guarding
// record and data table access.
package lock

import (
	"errors"
	"sync"
)

// Suffix is appended to a store's base path to name its lock file.
const Suffix = ".lock"

var ErrLocked = errors.New("store is already in use by another process")

// Context is the read/write lock guarding table access. Readers proceed
// concurrently, writers exclude everyone. Stores built with the same Context
// serialise their writes against each other.
type Context struct {
	sync.RWMutex
}

func NewContext() *Context {
	return &Context{}
}
