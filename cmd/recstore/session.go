package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/0xRadioAc7iv/go-recstore/recstore"
	"github.com/pkg/errors"
)

// store is what the commands need from either store variant.
type store interface {
	ReadBytes(id int) ([]byte, error)
	WriteBytes(id int, data []byte, fixedSize bool) error
	AppendBytes(id int, delta []byte) error
	DeleteRecord(id int) error
	CheckSanity(id int) error
	Compact() error
	Stats() (recstore.Stats, error)
	CreateRecordIDIterator() (*recstore.RecordIDIterator, error)
	Close() error
}

type session struct {
	path  string
	store store
	refs  *recstore.RefCountedStorage
	newID func() (int, error)
	out   io.Writer
}

func openSession(path string, refcounted bool, out io.Writer, opts ...recstore.Option) (*session, error) {
	s := &session{path: path, out: out}

	if refcounted {
		r, err := recstore.OpenRefCounted(path, opts...)
		if err != nil {
			return nil, err
		}
		s.store, s.refs, s.newID = r, r, r.AcquireNewRecord
	} else {
		b, err := recstore.Open(path, opts...)
		if err != nil {
			return nil, err
		}
		s.store, s.newID = b, b.CreateNewRecord
	}
	return s, nil
}

func (s *session) close() error {
	return s.store.Close()
}

func (s *session) execute(cmd string, args []string) error {
	switch cmd {
	case "help":
		s.help()
		return nil
	case "stat":
		return s.stat()
	case "check":
		return s.check()
	case "compact":
		return s.store.Compact()
	case "ls":
		return s.list()
	}

	if len(args) == 0 {
		return errors.Errorf("%s: missing argument, try 'help'", cmd)
	}

	if cmd == "put" {
		return s.create([]byte(args[0]), false)
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrapf(err, "%s: record id", cmd)
	}

	switch cmd {
	case "get":
		data, err := s.store.ReadBytes(id)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	case "set":
		if len(args) < 2 {
			return errors.Errorf("set: missing value")
		}
		return s.write(id, []byte(args[1]), false)
	case "append":
		if len(args) < 2 {
			return errors.Errorf("append: missing value")
		}
		return s.store.AppendBytes(id, []byte(args[1]))
	case "rm":
		return s.store.DeleteRecord(id)
	case "acquire", "release":
		if s.refs == nil {
			return errors.Wrapf(recstore.ErrUnsupported, "%s needs --refcounted", cmd)
		}
		if cmd == "acquire" {
			return s.refs.AcquireRecord(id)
		}
		return s.refs.ReleaseRecord(id)
	}
	return errors.Errorf("unknown command %q, try 'help'", cmd)
}

func (s *session) create(data []byte, fixedSize bool) error {
	id, err := s.newID()
	if err != nil {
		return err
	}
	if err := s.store.WriteBytes(id, data, fixedSize); err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, id)
	return err
}

func (s *session) write(id int, data []byte, fixedSize bool) error {
	return s.store.WriteBytes(id, data, fixedSize)
}

func (s *session) stat() error {
	st, err := s.store.Stats()
	if err != nil {
		return err
	}

	ratio := 0.0
	if st.DataLength > 0 {
		ratio = float64(st.Waste) / float64(st.DataLength)
	}
	fmt.Fprintf(s.out, "records: %d\nlive: %d\ndata length: %d\nwaste: %d (%.1f%%)\n",
		st.Records, st.Live, st.DataLength, st.Waste, ratio*100)
	return nil
}

func (s *session) list() error {
	it, err := s.store.CreateRecordIDIterator()
	if err != nil {
		return err
	}
	for it.HasNext() {
		id := it.Next()
		live, err := it.IsLive(id)
		if err != nil {
			return err
		}
		if live {
			fmt.Fprintln(s.out, id)
		}
	}
	return nil
}

func (s *session) check() error {
	it, err := s.store.CreateRecordIDIterator()
	if err != nil {
		return err
	}

	checked, bad := 0, 0
	for it.HasNext() {
		id := it.Next()
		live, err := it.IsLive(id)
		if err != nil {
			return err
		}
		if !live {
			continue
		}

		checked++
		if err := s.store.CheckSanity(id); err != nil {
			bad++
			fmt.Fprintln(s.out, err)
		}
	}

	fmt.Fprintf(s.out, "checked %d records, %d bad\n", checked, bad)
	if bad > 0 {
		return errors.Wrapf(recstore.ErrCorrupted, "%d records failed the check", bad)
	}
	return nil
}

func (s *session) help() {
	fmt.Fprint(s.out, `Commands:
  put <value>           create a record and print its id
  set <id> <value>      replace the content of a record
  get <id>              print a record
  append <id> <value>   append to a record
  rm <id>               delete a record
  acquire <id>          add a reference (ref-counted stores)
  release <id>          drop a reference (ref-counted stores)
  ls                    list live record ids
  stat                  print counts and heap usage
  check                 verify every live record
  compact               rewrite the heap without waste
  exit                  quit
`)
}
