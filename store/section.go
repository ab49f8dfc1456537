package store

import (
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/fsys"
)

// Section is a window of another store, used to open a partition as if it
// were a whole image. Offsets are relative to the start of the window.
type Section struct {
	inner fsys.Store
	base  int64
	size  int64
}

// NewSection returns the window [base, base+size) of inner.
func NewSection(inner fsys.Store, base, size int64) *Section {
	return &Section{inner: inner, base: base, size: size}
}

func (s *Section) Size() int64 { return s.size }

// ReadAt implements io.ReaderAt
func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := len(p)
	if remain := s.size - off; int64(want) > remain {
		p = p[:remain]
	}
	n, err := s.inner.ReadAt(p, s.base+off)
	if err == nil && n < want {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements io.WriterAt. Writes past the end of the window are
// refused whole.
func (s *Section) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("write of %d bytes at %d outside %d-byte section", len(p), off, s.size)
	}
	return s.inner.WriteAt(p, s.base+off)
}

// Sync forwards to the underlying store when it supports it.
func (s *Section) Sync() error {
	if f, ok := s.inner.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}
