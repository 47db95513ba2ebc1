package core

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/0xRadioAc7iv/go-recstore/internal"
	"github.com/0xRadioAc7iv/go-recstore/internal/pool"
	"github.com/0xRadioAc7iv/go-recstore/internal/record"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RefCountedStorage adds per-record reference counts and deflate-compressed,
// asynchronous writes on top of Storage.
//
// A write returns once its payload is queued; compression and the physical
// write run on the worker pool. Each id has at most one write in flight:
// later writes and reads of that id wait for it. When more than
// PendingWriteCeiling uncompressed bytes are queued, the caller compresses
// and writes synchronously instead.
type RefCountedStorage struct {
	base     *Storage
	pool     *pool.Pool
	ownsPool bool

	pending      *pendingWrites
	pendingBytes atomic.Int64
	ceiling      int64

	contentHashMode bool
	shadow          *shadowTable

	// generations counts the deletions of each id made through this store.
	// Guarded by the base lock.
	generations map[int]uint64

	asyncMu  sync.Mutex
	asyncErr error

	log *logrus.Entry
}

// OpenRefCounted opens a store with the ref-counted record layout.
func OpenRefCounted(path string, cfg *internal.Config) (*RefCountedStorage, error) {
	if cfg == nil {
		cfg = internal.DefaultConfig()
	}

	base, err := open(path, cfg, record.RefCounted)
	if err != nil {
		return nil, err
	}

	r := &RefCountedStorage{
		base:            base,
		pool:            base.cfg.Pool,
		pending:         newPendingWrites(),
		ceiling:         base.cfg.PendingWriteCeiling,
		contentHashMode: base.cfg.ContentHashMode,
		generations:     make(map[int]uint64),
		log:             base.log.WithField("component", "refcount"),
	}
	if r.pool == nil {
		r.pool = pool.New(base.cfg.Workers)
		r.ownsPool = true
	}
	if base.cfg.Diagnostics {
		r.shadow = newShadowTable()
	}
	return r, nil
}

// Storage exposes the underlying store, whose byte operations see the
// compressed payloads.
func (r *RefCountedStorage) Storage() *Storage {
	return r.base
}

// AcquireNewRecord creates a record holding one reference.
func (r *RefCountedStorage) AcquireNewRecord() (int, error) {
	s := r.base
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	id, err := s.records.CreateNewRecord()
	if err != nil {
		return 0, err
	}
	if err := s.records.SetRefCount(id, 1); err != nil {
		return 0, err
	}
	return id, nil
}

// AcquireRecord adds a reference to id.
func (r *RefCountedStorage) AcquireRecord(id int) error {
	s := r.base
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	return s.records.SetRefCount(id, e.RefCount+1)
}

// ReleaseRecord drops a reference to id. The last release deletes the record
// unless content-hash mode is on, in which case the record stays readable
// because other indexes may still find it by its content.
func (r *RefCountedStorage) ReleaseRecord(id int) error {
	p, err := r.pending.install(context.Background(), id)
	if err != nil {
		return err
	}
	defer r.pending.complete(id, p, nil)

	s := r.base
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	e, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	if e.RefCount <= 0 {
		return errors.Wrapf(ErrRefCount, "release record %d", id)
	}

	refs := e.RefCount - 1
	if err := s.records.SetRefCount(id, refs); err != nil {
		return err
	}
	if refs > 0 || r.contentHashMode {
		return nil
	}

	return r.deleteLocked(id)
}

// deleteLocked frees id and invalidates writes checked against it before.
func (r *RefCountedStorage) deleteLocked(id int) error {
	r.shadow.remove(id)
	if err := r.base.deleteRecordLocked(id); err != nil {
		return err
	}
	r.generations[id]++
	return nil
}

func (r *RefCountedStorage) RefCount(id int) (int, error) {
	s := r.base
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	refs, err := s.records.RefCount(id)
	return int(refs), err
}

// DeleteRecord frees id regardless of its references. Refused in
// content-hash mode.
func (r *RefCountedStorage) DeleteRecord(id int) error {
	if r.contentHashMode {
		return errors.Wrapf(ErrUnsupported, "delete record %d in content-hash mode", id)
	}
	p, err := r.pending.install(context.Background(), id)
	if err != nil {
		return err
	}
	defer r.pending.complete(id, p, nil)

	s := r.base
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return r.deleteLocked(id)
}

// WriteBytes queues data to replace the content of id. It waits for a write
// already in flight for id. Errors of the queued write surface on the next
// wait for id, and on Force and Close.
func (r *RefCountedStorage) WriteBytes(id int, data []byte, fixedSize bool) error {
	p, err := r.pending.install(context.Background(), id)
	if err != nil {
		return err
	}

	gen, err := r.checkWritable(id)
	if err != nil {
		r.pending.complete(id, p, nil)
		return err
	}

	payload := bytes.Clone(data)
	n := int64(len(payload))

	if r.pendingBytes.Load() > r.ceiling {
		r.base.metrics.syncWrites.Inc()
		err := r.compressAndWrite(id, gen, payload, fixedSize)
		r.pending.complete(id, p, err)
		return err
	}

	r.base.metrics.pendingBytes.Set(float64(r.pendingBytes.Add(n)))
	r.pool.Submit(func() {
		err := r.compressAndWriteQueued(id, gen, payload, fixedSize, n)
		if err != nil {
			r.log.WithError(err).WithField("id", id).Error("asynchronous write failed")
			r.recordAsyncErr(err)
		}
		r.pending.complete(id, p, err)
	})
	return nil
}

// checkWritable returns the generation of id a write to it is bound to.
func (r *RefCountedStorage) checkWritable(id int) (uint64, error) {
	s := r.base
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if _, err := s.liveEntry(id); err != nil {
		return 0, err
	}
	return r.generations[id], nil
}

func (r *RefCountedStorage) compressAndWriteQueued(id int, gen uint64, payload []byte, fixedSize bool, n int64) error {
	compressed, err := deflate(payload)
	r.base.metrics.pendingBytes.Set(float64(r.pendingBytes.Add(-n)))
	if err != nil {
		return err
	}
	return r.physicalWrite(id, gen, compressed, len(payload), fixedSize)
}

func (r *RefCountedStorage) compressAndWrite(id int, gen uint64, payload []byte, fixedSize bool) error {
	compressed, err := deflate(payload)
	if err != nil {
		return err
	}
	return r.physicalWrite(id, gen, compressed, len(payload), fixedSize)
}

// physicalWrite stores compressed under the exclusive lock and records its
// shadow entry in the same critical section. A write whose id was deleted
// since it was checked is dropped, even if the id was handed out again.
func (r *RefCountedStorage) physicalWrite(id int, gen uint64, compressed []byte, rawSize int, fixedSize bool) error {
	s := r.base
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.generations[id] != gen {
		return errors.Wrapf(ErrRecordDeleted, "record %d was deleted while its write was queued", id)
	}
	if err := s.writeBytesLocked(id, compressed, fixedSize); err != nil {
		return err
	}

	r.shadow.put(id, shadowEntry{
		compressedSize: len(compressed),
		checksum:       record.Checksum(compressed),
		rawSize:        rawSize,
	})
	return nil
}

func (r *RefCountedStorage) recordAsyncErr(err error) {
	r.asyncMu.Lock()
	defer r.asyncMu.Unlock()

	if r.asyncErr == nil {
		r.asyncErr = err
	}
}

func (r *RefCountedStorage) takeAsyncErr() error {
	r.asyncMu.Lock()
	defer r.asyncMu.Unlock()

	err := r.asyncErr
	r.asyncErr = nil
	return err
}

// AppendBytes is unsupported: compressed blobs can only be replaced whole.
func (r *RefCountedStorage) AppendBytes(id int, delta []byte) error {
	return errors.Wrapf(ErrUnsupported, "append to compressed record %d", id)
}

// ReplaceBytes is unsupported for the same reason as AppendBytes.
func (r *RefCountedStorage) ReplaceBytes(id int, offset int, data []byte) error {
	return errors.Wrapf(ErrUnsupported, "replace in compressed record %d", id)
}

func (r *RefCountedStorage) ReadBytes(id int) ([]byte, error) {
	return r.ReadBytesContext(context.Background(), id)
}

// ReadBytesContext waits for the write in flight for id, then reads and
// inflates its content. A cancelled ctx fails with ErrInterrupted.
func (r *RefCountedStorage) ReadBytesContext(ctx context.Context, id int) ([]byte, error) {
	if err := r.pending.waitFor(ctx, id); err != nil {
		return nil, err
	}

	compressed, shadow, err := r.readCompressed(id)
	if err != nil {
		return nil, err
	}
	if len(compressed) == 0 {
		return compressed, nil
	}

	raw, err := inflate(compressed)
	if err != nil {
		return nil, corruptedf("inflate record %d: %v", id, err)
	}

	if shadow != nil && shadow.rawSize != len(raw) {
		r.log.WithFields(logrus.Fields{"id": id, "expected": shadow.rawSize, "actual": len(raw)}).
			Error("inflated size does not match the last write")
		return nil, corruptedf("record %d inflated to %d bytes, last write held %d", id, len(raw), shadow.rawSize)
	}
	return raw, nil
}

// readCompressed reads the stored bytes of id and, in diagnostic mode,
// checks them against the shadow entry under the same read lock.
func (r *RefCountedStorage) readCompressed(id int) ([]byte, *shadowEntry, error) {
	s := r.base
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	compressed, err := s.readBytesLocked(id)
	if err != nil {
		return nil, nil, err
	}

	entry, ok := r.shadow.get(id)
	if !ok {
		return compressed, nil, nil
	}
	if entry.compressedSize != len(compressed) || !record.ValidateChecksum(compressed, entry.checksum) {
		r.log.WithFields(logrus.Fields{"id": id, "expected": entry.compressedSize, "actual": len(compressed)}).
			Error("stored bytes do not match the last write")
		return nil, nil, corruptedf("record %d does not match its last write", id)
	}
	return compressed, &entry, nil
}

func (r *RefCountedStorage) ReadStream(id int) (io.ReadCloser, error) {
	data, err := r.ReadBytes(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// WriteStream buffers everything written to it and queues it as the new
// content of id on Close.
func (r *RefCountedStorage) WriteStream(id int, fixedSize bool) io.WriteCloser {
	return newRecordWriter(func(data []byte) error {
		return r.WriteBytes(id, data, fixedSize)
	})
}

// Size returns the stored (compressed) size of id.
func (r *RefCountedStorage) Size(id int) (int, error) {
	if err := r.pending.waitFor(context.Background(), id); err != nil {
		return 0, err
	}
	return r.base.Size(id)
}

func (r *RefCountedStorage) Capacity(id int) (int, error) {
	if err := r.pending.waitFor(context.Background(), id); err != nil {
		return 0, err
	}
	return r.base.Capacity(id)
}

func (r *RefCountedStorage) Flush() error {
	return r.FlushContext(context.Background())
}

// FlushContext waits for every queued write, returning the first failure of
// a write queued since the previous flush.
func (r *RefCountedStorage) FlushContext(ctx context.Context) error {
	if err := r.pending.drain(ctx); err != nil && errors.Is(err, ErrInterrupted) {
		return err
	}
	return r.takeAsyncErr()
}

func (r *RefCountedStorage) Force() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.base.Force()
}

// CheckSanity drains queued writes and checks id.
func (r *RefCountedStorage) CheckSanity(id int) error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.base.CheckSanity(id)
}

func (r *RefCountedStorage) Compact() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.base.Compact()
}

// Close drains queued writes and closes the store. The store is closed even
// when a queued write failed; that failure is returned.
func (r *RefCountedStorage) Close() error {
	flushErr := r.Flush()
	if r.ownsPool {
		r.pool.Wait()
	}

	if err := r.base.Close(); err != nil {
		return err
	}
	return flushErr
}

func (r *RefCountedStorage) CloseAndClean() error {
	flushErr := r.Flush()
	if r.ownsPool {
		r.pool.Wait()
	}

	if err := r.base.CloseAndClean(); err != nil {
		return err
	}
	return flushErr
}

func (r *RefCountedStorage) CreateRecordIDIterator() (*RecordIDIterator, error) {
	return r.base.CreateRecordIDIterator()
}

func (r *RefCountedStorage) RecordsCount() (int, error) {
	return r.base.RecordsCount()
}

func (r *RefCountedStorage) LiveRecordsCount() (int, error) {
	return r.base.LiveRecordsCount()
}

func (r *RefCountedStorage) Stats() (Stats, error) {
	return r.base.Stats()
}

func (r *RefCountedStorage) Version() (int, error) {
	return r.base.Version()
}

func (r *RefCountedStorage) SetVersion(v int) error {
	return r.base.SetVersion(v)
}

func (r *RefCountedStorage) Rebuilt() bool {
	return r.base.Rebuilt()
}

func (r *RefCountedStorage) Path() string {
	return r.base.Path()
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate")
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	return io.ReadAll(r)
}
