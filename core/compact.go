package core

import (
	"os"
	"time"

	"github.com/0xRadioAc7iv/go-recstore/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// relocation is the new placement of one record in the compacted heap.
type relocation struct {
	id       int
	address  int64
	capacity int32
}

// compactLocked rewrites every live blob into a fresh heap and swaps it in.
//
// The record table is marked dirty for the whole pass and only updated
// after the new heap has been renamed over the old one, so an error before
// the swap leaves the store untouched and a crash at any point is caught by
// the dirty magic on the next open. A failure once the old heap has been
// closed abandons the store, leaving it closed.
func (s *Storage) compactLocked() error {
	start := time.Now()
	waste := s.data.Waste()
	before, err := s.data.Length()
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{"length": before, "waste": waste}).Info("compacting data file")

	if err := s.records.markDirty(); err != nil {
		return err
	}

	target := compactPath(s.path)
	if err := utils.RemoveFiles(target); err != nil {
		return errors.Wrap(err, "remove stale compaction file")
	}

	fresh, err := s.openDataTable(target)
	if err != nil {
		return err
	}

	moves, err := s.copyLiveRecords(fresh)
	if err != nil {
		fresh.Close()
		utils.RemoveFiles(target)
		return errors.Wrap(err, "copy live records")
	}
	if err := fresh.Close(); err != nil {
		utils.RemoveFiles(target)
		return errors.Wrap(err, "flush compacted data file")
	}

	if err := s.swapDataFile(target); err != nil {
		if s.data == nil {
			s.abandonLocked()
		}
		return err
	}

	// The new heap is in place. Until the relocations are forced, some slots
	// still point into the old one, so any failure drops the store with the
	// dirty magic left on the record table.
	if err := s.relocate(moves); err != nil {
		s.log.WithError(err).Error("relocating records after the heap swap failed, store must be rebuilt")
		s.abandonLocked()
		return errors.Wrap(err, "relocate compacted records")
	}

	after, err := s.data.Length()
	if err != nil {
		return err
	}

	s.metrics.compactions.Inc()
	s.metrics.waste.Set(float64(s.data.Waste()))
	s.log.WithFields(logrus.Fields{
		"before":   before,
		"after":    after,
		"records":  len(moves),
		"duration": time.Since(start),
	}).Info("compaction finished")
	return nil
}

func (s *Storage) relocate(moves []relocation) error {
	for _, m := range moves {
		if err := s.records.SetAddress(m.id, m.address); err != nil {
			return err
		}
		if err := s.records.SetCapacity(m.id, m.capacity); err != nil {
			return err
		}
	}
	return s.records.Force()
}

// copyLiveRecords writes each non-empty live blob into fresh, sized by the
// capacity policy. Empty live records are pointed at nothing.
func (s *Storage) copyLiveRecords(fresh *DataTable) ([]relocation, error) {
	var moves []relocation

	for id := 1; id <= s.records.count; id++ {
		e, err := s.records.Entry(id)
		if err != nil {
			return nil, err
		}
		if e.IsFree() {
			continue
		}
		if e.Size == 0 {
			if e.Address != 0 || e.Capacity != 0 {
				moves = append(moves, relocation{id: id})
			}
			continue
		}

		blob, err := s.readEntry(e)
		if err != nil {
			return nil, err
		}

		capacity := s.capacityFor(len(blob))
		address, err := fresh.AllocateSpace(capacity)
		if err != nil {
			return nil, err
		}
		if err := fresh.WriteBytes(address, blob); err != nil {
			return nil, err
		}

		moves = append(moves, relocation{id: id, address: address, capacity: int32(capacity)})
	}
	return moves, nil
}

// swapDataFile replaces the current heap with the file at target. If the
// rename fails the current heap is reopened.
func (s *Storage) swapDataFile(target string) error {
	current := dataPath(s.path)

	if err := s.data.Close(); err != nil {
		s.log.WithError(err).Warn("closing the old data file failed")
	}
	s.data = nil

	if err := os.Rename(target, current); err != nil {
		utils.RemoveFiles(target)

		data, reopenErr := s.openDataTable(current)
		if reopenErr != nil {
			return errors.Wrapf(reopenErr, "reopen data file after failed rename (%v)", err)
		}
		s.data = data
		return errors.Wrap(err, "swap compacted data file")
	}

	if s.cfg.SyncOnCompact {
		if err := utils.SyncDir(current); err != nil {
			s.log.WithError(err).Warn("directory sync after compaction failed")
		}
	}

	data, err := s.openDataTable(current)
	if err != nil {
		return errors.Wrap(err, "open compacted data file")
	}
	s.data = data
	return nil
}
