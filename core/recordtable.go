package core

import (
	"github.com/0xRadioAc7iv/go-recstore/internal/pagestore"
	"github.com/0xRadioAc7iv/go-recstore/internal/record"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RecordTable maps record ids to fixed-size slots holding the address, size
// and capacity of each blob (and a reference count for the ref-counted
// layout).
//
// Slot i lives at TableHeaderSize + (i-1)*RecordSize. Id 0 is never
// allocated. The table is not safe for concurrent mutation; Storage guards it
// with its lock context.
type RecordTable struct {
	store  pagestore.PageStore
	layout record.Layout
	free   freeList
	count  int
	dirty  bool
	log    *logrus.Entry
}

// OpenRecordTable validates the header of store, or initialises it when the
// store is empty. A non-empty store whose magic is not the layout's closed
// magic fails with ErrCorrupted.
func OpenRecordTable(store pagestore.PageStore, layout record.Layout, log *logrus.Entry) (*RecordTable, error) {
	t := &RecordTable{store: store, layout: layout, log: log}

	length, err := store.Length()
	if err != nil {
		return nil, err
	}

	if length == 0 {
		header := record.EncodeTableHeader(record.TableHeader{})
		if err := store.Put(0, header); err != nil {
			return nil, err
		}
		if err := t.markDirty(); err != nil {
			return nil, err
		}
		return t, nil
	}

	if length < record.TableHeaderSize {
		return nil, corruptedf("record table is %d bytes, shorter than its header", length)
	}

	header := make([]byte, record.TableHeaderSize)
	if err := store.Get(0, header); err != nil {
		return nil, err
	}
	h, err := record.DecodeTableHeader(header)
	if err != nil {
		return nil, corruptedf("%v", err)
	}

	switch h.Magic {
	case layout.ClosedMagic():
	case record.DirtyMagic:
		return nil, corruptedf("record table was not closed cleanly")
	default:
		return nil, corruptedf("record table magic %#x does not match %s layout %#x", h.Magic, layout.Name, layout.ClosedMagic())
	}

	count, err := t.RecordsCount()
	if err != nil {
		return nil, err
	}
	t.count = count

	return t, nil
}

func (t *RecordTable) Layout() record.Layout {
	return t.layout
}

func (t *RecordTable) IsDirty() bool {
	return t.dirty
}

func (t *RecordTable) markDirty() error {
	if t.dirty {
		return nil
	}
	if err := t.store.PutInt(record.TableMagicOffset, record.DirtyMagic); err != nil {
		return err
	}
	t.dirty = true
	return nil
}

// RecordsCount derives the slot count from the file length. A length that is
// not a whole number of slots means the table is corrupted.
func (t *RecordTable) RecordsCount() (int, error) {
	length, err := t.store.Length()
	if err != nil {
		return 0, err
	}

	body := length - record.TableHeaderSize
	if body < 0 {
		return 0, corruptedf("record table is %d bytes, shorter than its header", length)
	}
	if body%int64(t.layout.RecordSize) != 0 {
		return 0, corruptedf("record table body of %d bytes is not a multiple of %d", body, t.layout.RecordSize)
	}
	return int(body / int64(t.layout.RecordSize)), nil
}

// LiveRecordsCount counts slots not parked on the free list.
func (t *RecordTable) LiveRecordsCount() (int, error) {
	live := 0
	for id := 1; id <= t.count; id++ {
		size, err := t.Size(id)
		if err != nil {
			return 0, err
		}
		if size != record.FreeSize {
			live++
		}
	}
	return live, nil
}

func (t *RecordTable) offset(id int) (int64, error) {
	if id < 1 || id > t.count {
		return 0, errors.Wrapf(ErrInvalidRecord, "id %d, table holds %d records", id, t.count)
	}
	return record.TableHeaderSize + int64(id-1)*int64(t.layout.RecordSize), nil
}

// CreateNewRecord reuses the most recently freed id or appends a new slot.
// The returned slot is zeroed.
func (t *RecordTable) CreateNewRecord() (int, error) {
	if err := t.markDirty(); err != nil {
		return 0, err
	}
	if err := t.ensureFreeListScanned(); err != nil {
		return 0, err
	}

	if id, ok := t.free.pop(); ok {
		off, err := t.offset(id)
		if err != nil {
			return 0, err
		}
		if err := t.store.Put(off, t.layout.ZeroTemplate()); err != nil {
			return 0, err
		}
		return id, nil
	}

	off := record.TableHeaderSize + int64(t.count)*int64(t.layout.RecordSize)
	if err := t.store.Put(off, t.layout.ZeroTemplate()); err != nil {
		return 0, err
	}
	t.count++
	return t.count, nil
}

func (t *RecordTable) ensureFreeListScanned() error {
	if t.free.scanned {
		return nil
	}

	for id := 1; id <= t.count; id++ {
		size, err := t.Size(id)
		if err != nil {
			return err
		}
		if size == record.FreeSize {
			t.free.push(id)
		}
	}
	t.free.scanned = true

	if t.free.len() > 0 {
		t.log.WithField("free", t.free.len()).Debug("free list rebuilt")
	}
	return nil
}

// DeleteRecord zeroes the slot, marks it free and parks the id for reuse.
func (t *RecordTable) DeleteRecord(id int) error {
	off, err := t.offset(id)
	if err != nil {
		return err
	}
	if err := t.markDirty(); err != nil {
		return err
	}
	if err := t.store.Put(off, t.layout.FreeSlot()); err != nil {
		return err
	}
	if t.free.scanned {
		t.free.push(id)
	}
	return nil
}

// Entry reads the whole slot of id.
func (t *RecordTable) Entry(id int) (record.Entry, error) {
	off, err := t.offset(id)
	if err != nil {
		return record.Entry{}, err
	}

	slot := make([]byte, t.layout.RecordSize)
	if err := t.store.Get(off, slot); err != nil {
		return record.Entry{}, err
	}
	return t.layout.DecodeEntry(slot)
}

func (t *RecordTable) Address(id int) (int64, error) {
	off, err := t.offset(id)
	if err != nil {
		return 0, err
	}
	return t.store.GetLong(off + record.AddressOffset)
}

func (t *RecordTable) SetAddress(id int, address int64) error {
	off, err := t.offset(id)
	if err != nil {
		return err
	}
	if err := t.markDirty(); err != nil {
		return err
	}
	return t.store.PutLong(off+record.AddressOffset, address)
}

func (t *RecordTable) Size(id int) (int32, error) {
	return t.getInt(id, record.SizeOffset)
}

func (t *RecordTable) SetSize(id int, size int32) error {
	return t.putInt(id, record.SizeOffset, size)
}

func (t *RecordTable) Capacity(id int) (int32, error) {
	return t.getInt(id, record.CapacityOffset)
}

func (t *RecordTable) SetCapacity(id int, capacity int32) error {
	return t.putInt(id, record.CapacityOffset, capacity)
}

func (t *RecordTable) RefCount(id int) (int32, error) {
	if !t.layout.HasRefCount() {
		return 0, errors.Wrapf(ErrUnsupported, "%s layout has no reference count", t.layout.Name)
	}
	return t.getInt(id, record.RefCountOffset)
}

func (t *RecordTable) SetRefCount(id int, refs int32) error {
	if !t.layout.HasRefCount() {
		return errors.Wrapf(ErrUnsupported, "%s layout has no reference count", t.layout.Name)
	}
	return t.putInt(id, record.RefCountOffset, refs)
}

func (t *RecordTable) getInt(id int, field int64) (int32, error) {
	off, err := t.offset(id)
	if err != nil {
		return 0, err
	}
	return t.store.GetInt(off + field)
}

func (t *RecordTable) putInt(id int, field int64, v int32) error {
	off, err := t.offset(id)
	if err != nil {
		return err
	}
	if err := t.markDirty(); err != nil {
		return err
	}
	return t.store.PutInt(off+field, v)
}

// Version returns the caller-owned version word of the header.
func (t *RecordTable) Version() (int32, error) {
	return t.store.GetInt(record.TableVersionOffset)
}

func (t *RecordTable) SetVersion(v int32) error {
	if err := t.markDirty(); err != nil {
		return err
	}
	return t.store.PutInt(record.TableVersionOffset, v)
}

// Force flushes the table and stamps the closed magic. The data is synced
// before the magic is written so a clean magic never covers unsynced slots.
func (t *RecordTable) Force() error {
	if !t.dirty {
		return nil
	}
	if err := t.store.Force(); err != nil {
		return err
	}
	if err := t.store.PutInt(record.TableMagicOffset, t.layout.ClosedMagic()); err != nil {
		return err
	}
	if err := t.store.Force(); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

func (t *RecordTable) Close() error {
	if err := t.Force(); err != nil {
		t.store.Close()
		return err
	}
	return t.store.Close()
}
