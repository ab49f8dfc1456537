package store

import (
	"fmt"
	"io"
)

// Mem is an in-memory image. It counts writes so callers can check that
// read-only operations left the image alone.
type Mem struct {
	data   []byte
	writes int
}

// NewMem wraps data without copying it.
func NewMem(data []byte) *Mem {
	return &Mem{data: data}
}

func (m *Mem) Size() int64   { return int64(len(m.data)) }
func (m *Mem) Bytes() []byte { return m.data }
func (m *Mem) Writes() int   { return m.writes }

// ReadAt implements io.ReaderAt
func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes never grow the buffer.
func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	m.writes++
	copy(m.data[off:], p)
	return len(p), nil
}
