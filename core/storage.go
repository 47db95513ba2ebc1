package core

import (
	"bytes"
	"io"
	"os"

	"github.com/0xRadioAc7iv/go-recstore/internal"
	"github.com/0xRadioAc7iv/go-recstore/internal/lock"
	"github.com/0xRadioAc7iv/go-recstore/internal/pagestore"
	"github.com/0xRadioAc7iv/go-recstore/internal/record"
	"github.com/0xRadioAc7iv/go-recstore/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Storage stores variable-length blobs under small integer ids.
//
// It composes a RecordTable (<base>.storageRecordIndex) and a DataTable
// (<base>.storageData). Every table access happens under the configured
// lock context: readers share it, writers hold it exclusively.
type Storage struct {
	path     string
	cfg      *internal.Config
	lock     *lock.Context
	fileLock *os.File
	layout   record.Layout

	records *RecordTable
	data    *DataTable

	log     *logrus.Entry
	metrics *metrics
	rebuilt bool
	closed  bool
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Records    int
	Live       int
	DataLength int64
	Waste      int64
}

// Open opens the store whose files share the base path, creating them when
// absent. Corrupted or uncleanly closed files are deleted and recreated; the
// heap is compacted when it carries too much waste.
func Open(path string, cfg *internal.Config) (*Storage, error) {
	return open(path, cfg, record.Base)
}

func open(path string, cfg *internal.Config, layout record.Layout) (*Storage, error) {
	if cfg == nil {
		cfg = internal.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	log := cfg.Logger.WithFields(logrus.Fields{"store": path, "component": "storage"})

	fl, err := lock.Acquire(path)
	if err != nil {
		return nil, errors.Wrap(err, "lock storage")
	}

	s := &Storage{
		path:     path,
		cfg:      cfg,
		lock:     cfg.Lock,
		fileLock: fl,
		layout:   layout,
		log:      log,
		metrics:  newMetrics(path, cfg.Registerer, log),
	}

	for attempt := 1; ; attempt++ {
		err := s.openTables()
		if err == nil {
			break
		}

		if attempt >= cfg.MaxOpenAttempts {
			s.metrics.unregister()
			lock.Release(fl)
			return nil, errors.Wrapf(err, "open storage %s after %d attempts", path, attempt)
		}

		log.WithError(err).WithField("attempt", attempt).Warn("storage is unusable, deleting and rebuilding")
		if err := utils.RemoveFiles(recordIndexPath(path), dataPath(path), compactPath(path)); err != nil {
			log.WithError(err).Warn("could not delete storage files")
		}
		s.rebuilt = true
	}

	need, err := s.data.IsCompactNecessary()
	if err != nil {
		s.abandonLocked()
		return nil, err
	}
	if need {
		s.lock.Lock()
		err := s.compactLocked()
		s.lock.Unlock()

		if err != nil {
			if s.closed {
				return nil, errors.Wrap(err, "compact on open")
			}
			log.WithError(err).Error("compaction failed, continuing with the uncompacted heap")
		}
	}

	s.metrics.waste.Set(float64(s.data.Waste()))
	return s, nil
}

func (s *Storage) openTables() error {
	idx, err := pagestore.Open(recordIndexPath(s.path))
	if err != nil {
		return err
	}
	records, err := OpenRecordTable(idx, s.layout, s.log)
	if err != nil {
		idx.Close()
		return err
	}

	data, err := s.openDataTable(dataPath(s.path))
	if err != nil {
		idx.Close()
		return err
	}

	s.records = records
	s.data = data
	return nil
}

func (s *Storage) openDataTable(path string) (*DataTable, error) {
	store, err := pagestore.Open(path)
	if err != nil {
		return nil, err
	}

	thresholds := compactThresholds{ratio: s.cfg.CompactWasteRatio, minWaste: s.cfg.CompactMinWaste}
	data, err := OpenDataTable(store, thresholds, s.log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return data, nil
}

// abandonLocked closes the files without stamping them clean, so the next
// open rebuilds the store.
func (s *Storage) abandonLocked() {
	s.closed = true
	if s.records != nil {
		s.records.store.Close()
	}
	if s.data != nil {
		s.data.store.Close()
	}
	s.metrics.unregister()
	lock.Release(s.fileLock)
}

func (s *Storage) Path() string {
	return s.path
}

// Rebuilt reports whether Open discarded unusable files.
func (s *Storage) Rebuilt() bool {
	return s.rebuilt
}

func (s *Storage) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// CreateNewRecord allocates an empty record, reusing a freed id if one exists.
func (s *Storage) CreateNewRecord() (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.records.CreateNewRecord()
}

// liveEntry returns the slot of id, failing on freed ids.
func (s *Storage) liveEntry(id int) (record.Entry, error) {
	e, err := s.records.Entry(id)
	if err != nil {
		return e, err
	}
	if e.IsFree() {
		return e, errors.Wrapf(ErrRecordDeleted, "id %d", id)
	}
	return e, nil
}

// WriteBytes replaces the content of id. The bytes are written in place when
// they fit the current capacity; otherwise the old range becomes waste and a
// new range is allocated, sized exactly when fixedSize is set and by the
// capacity policy otherwise.
func (s *Storage) WriteBytes(id int, data []byte, fixedSize bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeBytesLocked(id, data, fixedSize)
}

// capacityFor applies the capacity policy, keeping the result between the
// required length and MaxRecordSize.
func (s *Storage) capacityFor(required int) int {
	return min(max(s.cfg.CapacityPolicy(required), required), MaxRecordSize)
}

func (s *Storage) writeBytesLocked(id int, data []byte, fixedSize bool) error {
	if len(data) > MaxRecordSize {
		return errors.Errorf("record of %d bytes exceeds the maximum of %d", len(data), MaxRecordSize)
	}

	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}

	if int(e.Capacity) >= len(data) {
		if err := s.data.WriteBytes(e.Address, data); err != nil {
			return err
		}
	} else {
		if err := s.data.ReclaimSpace(int(e.Capacity)); err != nil {
			return err
		}

		capacity := len(data)
		if !fixedSize {
			capacity = s.capacityFor(len(data))
		}

		address, err := s.data.AllocateSpace(capacity)
		if err != nil {
			return err
		}
		if err := s.data.WriteBytes(address, data); err != nil {
			return err
		}
		if err := s.records.SetAddress(id, address); err != nil {
			return err
		}
		if err := s.records.SetCapacity(id, int32(capacity)); err != nil {
			return err
		}

		s.metrics.reallocations.Inc()
		s.metrics.waste.Set(float64(s.data.Waste()))
	}

	if err := s.records.SetSize(id, int32(len(data))); err != nil {
		return err
	}
	s.metrics.bytesWritten.Add(float64(len(data)))
	return nil
}

// AppendBytes adds delta to the end of id. When it fits the spare capacity
// only delta is written; otherwise the whole content is rewritten elsewhere.
func (s *Storage) AppendBytes(id int, delta []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}

	if int(e.Size)+len(delta) <= int(e.Capacity) {
		if err := s.data.WriteBytes(e.Address+int64(e.Size), delta); err != nil {
			return err
		}
		if err := s.records.SetSize(id, e.Size+int32(len(delta))); err != nil {
			return err
		}
		s.metrics.bytesWritten.Add(float64(len(delta)))
		return nil
	}

	old, err := s.readEntry(e)
	if err != nil {
		return err
	}
	return s.writeBytesLocked(id, append(old, delta...), false)
}

// ReplaceBytes overwrites part of id in place. It never extends the record.
func (s *Storage) ReplaceBytes(id int, offset int, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > int(e.Size) {
		return errors.Wrapf(ErrOutOfBounds, "replace [%d, %d) of record %d holding %d bytes", offset, offset+len(data), id, e.Size)
	}

	if err := s.data.WriteBytes(e.Address+int64(offset), data); err != nil {
		return err
	}
	s.metrics.bytesWritten.Add(float64(len(data)))
	return nil
}

// ReadBytes returns a copy of the content of id. Empty and freed records read
// as an empty slice.
func (s *Storage) ReadBytes(id int) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.readBytesLocked(id)
}

func (s *Storage) readBytesLocked(id int) ([]byte, error) {
	e, err := s.records.Entry(id)
	if err != nil {
		return nil, err
	}
	return s.readEntry(e)
}

func (s *Storage) readEntry(e record.Entry) ([]byte, error) {
	if e.Size <= 0 {
		return []byte{}, nil
	}

	buf := make([]byte, e.Size)
	if err := s.data.ReadBytes(e.Address, buf); err != nil {
		return nil, err
	}
	s.metrics.bytesRead.Add(float64(len(buf)))
	return buf, nil
}

// ReadStream returns the content of id as a stream.
func (s *Storage) ReadStream(id int) (io.ReadCloser, error) {
	data, err := s.ReadBytes(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteStream buffers everything written to it and replaces the content of
// id on Close.
func (s *Storage) WriteStream(id int, fixedSize bool) io.WriteCloser {
	return newRecordWriter(func(data []byte) error {
		return s.WriteBytes(id, data, fixedSize)
	})
}

// AppendStream buffers everything written to it and appends it to id on Close.
func (s *Storage) AppendStream(id int) io.WriteCloser {
	return newRecordWriter(func(data []byte) error {
		return s.AppendBytes(id, data)
	})
}

// DeleteRecord frees id. Its heap range becomes waste.
func (s *Storage) DeleteRecord(id int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.deleteRecordLocked(id)
}

func (s *Storage) deleteRecordLocked(id int) error {
	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	if err := s.data.ReclaimSpace(int(e.Capacity)); err != nil {
		return err
	}
	s.metrics.waste.Set(float64(s.data.Waste()))
	return s.records.DeleteRecord(id)
}

func (s *Storage) Size(id int) (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	size, err := s.records.Size(id)
	return int(size), err
}

func (s *Storage) Capacity(id int) (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	capacity, err := s.records.Capacity(id)
	return int(capacity), err
}

// Version returns the caller-owned version word stored in the record table.
func (s *Storage) Version() (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	v, err := s.records.Version()
	return int(v), err
}

func (s *Storage) SetVersion(v int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.records.SetVersion(int32(v))
}

func (s *Storage) RecordsCount() (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.records.RecordsCount()
}

// LiveRecordsCount counts records that are not deleted. Diagnostic only: it
// reads every slot.
func (s *Storage) LiveRecordsCount() (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.records.LiveRecordsCount()
}

func (s *Storage) Stats() (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	var st Stats
	var err error
	if st.Records, err = s.records.RecordsCount(); err != nil {
		return st, err
	}
	if st.Live, err = s.records.LiveRecordsCount(); err != nil {
		return st, err
	}
	if st.DataLength, err = s.data.Length(); err != nil {
		return st, err
	}
	st.Waste = s.data.Waste()
	return st, nil
}

// IsDirty reports whether either table has unflushed modifications.
func (s *Storage) IsDirty() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return !s.closed && (s.records.IsDirty() || s.data.IsDirty())
}

// CheckSanity verifies the slot of id against the heap.
func (s *Storage) CheckSanity(id int) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	e, err := s.records.Entry(id)
	if err != nil {
		return err
	}
	length, err := s.data.Length()
	if err != nil {
		return err
	}

	switch {
	case e.Size < 0:
		return corruptedf("record %d: negative size %d", id, e.Size)
	case e.Capacity < 0:
		return corruptedf("record %d: negative capacity %d", id, e.Capacity)
	case e.Address < 0:
		return corruptedf("record %d: negative address %d", id, e.Address)
	case e.Size > e.Capacity:
		return corruptedf("record %d: size %d exceeds capacity %d", id, e.Size, e.Capacity)
	case e.Address+int64(e.Capacity) > length:
		return corruptedf("record %d: range [%d, %d) exceeds data file length %d", id, e.Address, e.Address+int64(e.Capacity), length)
	}
	return nil
}

// Compact rewrites the heap without waste. A failure before the new heap is
// swapped in leaves the store as it was; a later one closes the store, and
// the next Open rebuilds it.
func (s *Storage) Compact() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.compactLocked()
}

// Force flushes both tables and stamps them clean.
func (s *Storage) Force() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.records.Force(); err != nil {
		return err
	}
	return s.data.Force()
}

// Close flushes and closes both tables. Closing twice is a no-op.
func (s *Storage) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	recordsErr := s.records.Close()
	dataErr := s.data.Close()
	s.metrics.unregister()
	lock.Release(s.fileLock)

	if recordsErr != nil {
		return recordsErr
	}
	return dataErr
}

// CloseAndClean closes the store and deletes both of its files.
func (s *Storage) CloseAndClean() error {
	if err := s.Close(); err != nil {
		return err
	}
	return utils.RemoveFiles(recordIndexPath(s.path), dataPath(s.path), compactPath(s.path), s.path+lock.Suffix)
}
