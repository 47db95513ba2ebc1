// Package recstore stores variable-length binary records under small integer
// ids in a pair of files: a fixed-slot record index and an append-only data
// heap that is compacted when it accumulates too much waste.
//
// Example:
//
//	store, err := recstore.Open("/var/lib/app/blobs")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	id, err := store.CreateNewRecord()
//	err = store.WriteBytes(id, []byte("hello"), false)
//	data, err := store.ReadBytes(id)
//
// OpenRefCounted returns a store whose records carry a reference count and
// whose payloads are deflate-compressed on a background worker pool.
package recstore
