package core

import "github.com/0xRadioAc7iv/go-recstore/internal/record"

// RecordIDIterator walks ids 1..N where N is the record count when the
// iterator was created. It is not restartable; create a new one to walk
// again. Ids may belong to deleted records, check them with IsLive.
type RecordIDIterator struct {
	storage *Storage
	next    int
	count   int
}

// CreateRecordIDIterator snapshots the current record count.
func (s *Storage) CreateRecordIDIterator() (*RecordIDIterator, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return &RecordIDIterator{storage: s, next: 1, count: s.records.count}, nil
}

func (it *RecordIDIterator) HasNext() bool {
	return it.next <= it.count
}

func (it *RecordIDIterator) Next() int {
	id := it.next
	it.next++
	return id
}

// IsLive reports whether id currently holds a record rather than a free slot.
func (it *RecordIDIterator) IsLive(id int) (bool, error) {
	s := it.storage

	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}
	size, err := s.records.Size(id)
	if err != nil {
		return false, err
	}
	return size != record.FreeSize, nil
}
