package core

import (
	"math"

	"github.com/0xRadioAc7iv/go-recstore/internal/pagestore"
	"github.com/0xRadioAc7iv/go-recstore/internal/record"
	"github.com/sirupsen/logrus"
)

// compactThresholds decide when the heap has enough waste to be rewritten.
type compactThresholds struct {
	ratio    float64
	minWaste int64
}

// DataTable is the blob heap: a flat byte space past a 32-byte header.
// Ranges are only ever appended; abandoned ranges are counted as waste until
// compaction rewrites the heap.
type DataTable struct {
	store      pagestore.PageStore
	waste      int64
	dirty      bool
	thresholds compactThresholds
	log        *logrus.Entry
}

// OpenDataTable validates the header of store, or initialises it when the
// store is empty. The persisted waste counter is loaded on open.
func OpenDataTable(store pagestore.PageStore, thresholds compactThresholds, log *logrus.Entry) (*DataTable, error) {
	d := &DataTable{store: store, thresholds: thresholds, log: log}

	length, err := store.Length()
	if err != nil {
		return nil, err
	}

	if length == 0 {
		if err := store.Put(0, record.EncodeDataHeader(record.DataHeader{})); err != nil {
			return nil, err
		}
		if err := d.markDirty(); err != nil {
			return nil, err
		}
		return d, nil
	}

	if length < record.DataHeaderSize {
		return nil, corruptedf("data table is %d bytes, shorter than its header", length)
	}

	header := make([]byte, record.DataHeaderSize)
	if err := store.Get(0, header); err != nil {
		return nil, err
	}
	h, err := record.DecodeDataHeader(header)
	if err != nil {
		return nil, corruptedf("%v", err)
	}

	switch h.Magic {
	case record.SafelyClosedMagic:
	case record.DirtyMagic:
		return nil, corruptedf("data table was not closed cleanly")
	default:
		return nil, corruptedf("data table magic %#x is unknown", h.Magic)
	}

	d.waste = int64(uint32(h.Waste))
	return d, nil
}

func (d *DataTable) markDirty() error {
	if d.dirty {
		return nil
	}
	if err := d.store.PutInt(record.DataMagicOffset, record.DirtyMagic); err != nil {
		return err
	}
	d.dirty = true
	return nil
}

func (d *DataTable) IsDirty() bool {
	return d.dirty
}

func (d *DataTable) Length() (int64, error) {
	return d.store.Length()
}

// Waste is the number of heap bytes owned by no live record.
func (d *DataTable) Waste() int64 {
	return d.waste
}

// AllocateSpace reserves n bytes at the end of the heap and returns their
// address. The file is grown by writing its new last byte.
func (d *DataTable) AllocateSpace(n int) (int64, error) {
	if err := d.markDirty(); err != nil {
		return 0, err
	}

	length, err := d.store.Length()
	if err != nil {
		return 0, err
	}

	address := max(length, int64(record.DataHeaderSize))
	if n == 0 {
		return address, nil
	}

	newLength := address + int64(n)
	if err := d.store.Put(newLength-1, []byte{0}); err != nil {
		return 0, err
	}

	grown, err := d.store.Length()
	if err != nil {
		return 0, err
	}
	if grown != newLength {
		d.log.WithFields(logrus.Fields{
			"address":  address,
			"expected": newLength,
			"actual":   grown,
		}).Error("defect: data file did not grow to the allocated length")
	}

	return address, nil
}

// ReclaimSpace counts n bytes as waste. Nothing is freed physically.
func (d *DataTable) ReclaimSpace(n int) error {
	if n <= 0 {
		return nil
	}
	if err := d.markDirty(); err != nil {
		return err
	}
	d.waste += int64(n)
	return nil
}

// IsCompactNecessary reports whether waste exceeds both the relative and the
// absolute threshold.
func (d *DataTable) IsCompactNecessary() (bool, error) {
	length, err := d.store.Length()
	if err != nil {
		return false, err
	}
	if length == 0 {
		return false, nil
	}

	ratio := float64(d.waste) / float64(length)
	return ratio > d.thresholds.ratio && d.waste > d.thresholds.minWaste, nil
}

func (d *DataTable) ReadBytes(address int64, buf []byte) error {
	return d.store.Get(address, buf)
}

func (d *DataTable) WriteBytes(address int64, data []byte) error {
	if err := d.markDirty(); err != nil {
		return err
	}
	return d.store.Put(address, data)
}

// Force persists the waste counter and stamps the closed magic.
func (d *DataTable) Force() error {
	if !d.dirty {
		return nil
	}

	// The header field is 4 bytes wide; an overflowing counter saturates and
	// still forces compaction on the next open.
	waste := d.waste
	if waste > math.MaxUint32 {
		waste = math.MaxUint32
	}
	if err := d.store.PutInt(record.DataWasteOffset, int32(uint32(waste))); err != nil {
		return err
	}
	if err := d.store.Force(); err != nil {
		return err
	}
	if err := d.store.PutInt(record.DataMagicOffset, record.SafelyClosedMagic); err != nil {
		return err
	}
	if err := d.store.Force(); err != nil {
		return err
	}
	d.dirty = false
	return nil
}

func (d *DataTable) Close() error {
	if err := d.Force(); err != nil {
		d.store.Close()
		return err
	}
	return d.store.Close()
}
