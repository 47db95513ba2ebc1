package core

import (
	"bytes"

	"github.com/pkg/errors"
)

// recordWriter collects a record's new content in memory and hands it to
// flush once, on Close.
type recordWriter struct {
	buf    bytes.Buffer
	flush  func([]byte) error
	closed bool
}

func newRecordWriter(flush func([]byte) error) *recordWriter {
	return &recordWriter{flush: flush}
}

func (w *recordWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.Wrap(ErrClosed, "write to closed record stream")
	}
	return w.buf.Write(p)
}

func (w *recordWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(w.buf.Bytes())
}
