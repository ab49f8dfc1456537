package fsys

import (
	"fmt"
	"io"
)

// IOError is a positioned read or write that failed or fell outside the image.
type IOError struct {
	Op  string // "read" or "write"
	Off int64
	Len int
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %d bytes at offset %d: %v", e.Op, e.Len, e.Off, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ConfigError reports degenerate volume metadata.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid volume metadata: %s %s", e.Field, e.Reason)
}

// UnsupportedAddressingError is returned for block or cluster references
// outside the directly addressable range.
type UnsupportedAddressingError struct {
	What  string
	Value uint64
}

func (e *UnsupportedAddressingError) Error() string {
	return fmt.Sprintf("unsupported addressing: %s %d", e.What, e.Value)
}

// InvariantViolationError reports on-disk structure that an operation
// refuses to touch. Nothing has been written when it is returned.
type InvariantViolationError struct {
	Off    int64
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation at offset %d: %s", e.Off, e.Reason)
}

// UnsupportedOperationError is returned for operations a format does not
// offer, such as unlinking on a read-only format.
type UnsupportedOperationError struct {
	Op   string
	Type string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s is not supported on %s volumes", e.Op, e.Type)
}

// ReadAt reads exactly len(p) bytes at off, reporting short reads as IOError.
func ReadAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("short read (%d bytes)", n)
	}
	return &IOError{Op: "read", Off: off, Len: len(p), Err: err}
}

// WriteAt writes all of p at off, reporting failures as IOError.
func WriteAt(w io.WriterAt, p []byte, off int64) error {
	n, err := w.WriteAt(p, off)
	if err == nil && n != len(p) {
		err = fmt.Errorf("short write (%d bytes)", n)
	}
	if err != nil {
		return &IOError{Op: "write", Off: off, Len: len(p), Err: err}
	}
	return nil
}
