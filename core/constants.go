package core

const (
	OneMegabyte = 1024 * 1024 // 1024 (1KB) * 1024 => 1MB

	// A store named "<base>" lives in exactly these two files.
	RecordIndexExt = ".storageRecordIndex"
	DataExt        = ".storageData"

	// Compaction rewrites the heap into this sibling before swapping it in.
	CompactExt = ".storageData.backup"

	// Writes larger than this cannot be addressed by a 4-byte size field.
	MaxRecordSize = 1<<31 - 1
)

func recordIndexPath(base string) string {
	return base + RecordIndexExt
}

func dataPath(base string) string {
	return base + DataExt
}

func compactPath(base string) string {
	return base + CompactExt
}
