// Package pagestore provides the byte-addressable random access file the
// record and data tables are built on.
package pagestore

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// PageStore is a random access byte store. Implementations must allow
// concurrent Get calls; Put calls are serialised by the caller.
type PageStore interface {
	GetInt(offset int64) (int32, error)
	PutInt(offset int64, v int32) error
	GetLong(offset int64) (int64, error)
	PutLong(offset int64, v int64) error
	Get(offset int64, buf []byte) error
	Put(offset int64, data []byte) error
	Length() (int64, error)
	Force() error
	Close() error
}

// File is a PageStore backed by a single file on disk.
type File struct {
	f    *os.File
	path string
}

// Open opens or creates the file at path for reading and writing.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open page store %s", path)
	}

	return &File{f: f, path: path}, nil
}

func (p *File) Path() string {
	return p.path
}

func (p *File) GetInt(offset int64) (int32, error) {
	var buf [4]byte
	if err := p.Get(offset, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func (p *File) PutInt(offset int64, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return p.Put(offset, buf[:])
}

func (p *File) GetLong(offset int64) (int64, error) {
	var buf [8]byte
	if err := p.Get(offset, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (p *File) PutLong(offset int64, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return p.Put(offset, buf[:])
}

// Get fills buf from offset. Reading past the end of the file is an error.
func (p *File) Get(offset int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	_, err := p.f.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "read %d bytes at %d from %s", len(buf), offset, p.path)
	}
	return nil
}

// Put writes data at offset, extending the file when needed.
func (p *File) Put(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if _, err := p.f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write %d bytes at %d to %s", len(data), offset, p.path)
	}
	return nil
}

func (p *File) Length() (int64, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", p.path)
	}
	return info.Size(), nil
}

func (p *File) Force() error {
	return errors.Wrapf(p.f.Sync(), "sync %s", p.path)
}

func (p *File) Close() error {
	return errors.Wrapf(p.f.Close(), "close %s", p.path)
}
