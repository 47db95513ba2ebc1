package core

import "sync"

// shadowEntry remembers what the last completed write of a record stored.
type shadowEntry struct {
	compressedSize int
	checksum       uint32
	rawSize        int
}

// shadowTable backs the diagnostic read check of the ref-counted store. It
// is only allocated when Diagnostics is on; a nil table ignores every call.
// Entries are written under the store's exclusive lock and checked under its
// read lock, so a check never races the write it compares against.
type shadowTable struct {
	mu      sync.Mutex
	entries map[int]shadowEntry
}

func newShadowTable() *shadowTable {
	return &shadowTable{entries: make(map[int]shadowEntry)}
}

func (t *shadowTable) put(id int, e shadowEntry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
}

func (t *shadowTable) get(id int) (shadowEntry, bool) {
	if t == nil {
		return shadowEntry{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return e, ok
}

func (t *shadowTable) remove(id int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}
