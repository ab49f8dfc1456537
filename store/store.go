// Package store provides the byte stores volumes are read from: image files,
// block devices, in-memory buffers and XTS-encrypted images.
package store

import (
	"fmt"
	"io"
	"os"
)

// File is an image file or block device opened for positioned I/O.
type File struct {
	f        *os.File
	size     int64
	writable bool
}

// Open opens the image at path. Writes are refused unless writable is set.
func Open(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}

	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		size, err = deviceSize(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("sizing block device: %w", err)
		}
	}

	return &File{f: f, size: size, writable: writable}, nil
}

// Size returns the image size in bytes
func (s *File) Size() int64 { return s.size }

// Name returns the path the image was opened from
func (s *File) Name() string { return s.f.Name() }

// ReadAt implements io.ReaderAt, refusing reads that start past the image.
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if avail := s.size - off; int64(len(p)) > avail {
		n, err := s.f.ReadAt(p[:avail], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt. Writes never extend the image.
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	if !s.writable {
		return 0, fmt.Errorf("image opened read-only")
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds image size %d", len(p), off, s.size)
	}
	return s.f.WriteAt(p, off)
}

// Sync flushes written bytes to the device
func (s *File) Sync() error {
	if !s.writable {
		return nil
	}
	return s.f.Sync()
}

func (s *File) Close() error { return s.f.Close() }
