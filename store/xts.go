package store

import (
	"crypto/aes"
	"fmt"
	"io"

	"golang.org/x/crypto/xts"

	"github.com/lvdlvd/fsprobe/fsys"
)

// XTS presents the plaintext view of an XTS-AES encrypted image. Sector n
// of the image is encrypted with tweak n.
type XTS struct {
	inner      fsys.Store
	cipher     *xts.Cipher
	sectorSize int64
	size       int64
}

// NewXTS wraps inner. The key must be 32, 48 or 64 bytes and is split in
// half between the data and tweak keys. A trailing partial sector of the
// image is not addressable.
func NewXTS(inner fsys.Store, key []byte, sectorSize int, size int64) (*XTS, error) {
	if len(key) != 32 && len(key) != 48 && len(key) != 64 {
		return nil, fmt.Errorf("xts: invalid key length %d (must be 32, 48, or 64)", len(key))
	}
	if sectorSize < 16 || sectorSize%16 != 0 {
		return nil, fmt.Errorf("xts: sector size must be a positive multiple of 16")
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("xts: %w", err)
	}
	ss := int64(sectorSize)
	return &XTS{inner: inner, cipher: c, sectorSize: ss, size: size / ss * ss}, nil
}

// Size returns the plaintext size.
func (x *XTS) Size() int64 { return x.size }

// span returns the sector-aligned window covering [off, end).
func (x *XTS) span(off, end int64) (start int64, buf []byte) {
	startSector := off / x.sectorSize
	endSector := (end + x.sectorSize - 1) / x.sectorSize
	return startSector * x.sectorSize, make([]byte, (endSector-startSector)*x.sectorSize)
}

func (x *XTS) decrypt(buf []byte, start int64) {
	first := uint64(start / x.sectorSize)
	for i := int64(0); i < int64(len(buf)); i += x.sectorSize {
		sector := buf[i : i+x.sectorSize]
		x.cipher.Decrypt(sector, sector, first+uint64(i/x.sectorSize))
	}
}

func (x *XTS) encrypt(buf []byte, start int64) {
	first := uint64(start / x.sectorSize)
	for i := int64(0); i < int64(len(buf)); i += x.sectorSize {
		sector := buf[i : i+x.sectorSize]
		x.cipher.Encrypt(sector, sector, first+uint64(i/x.sectorSize))
	}
}

// ReadAt implements io.ReaderAt with decryption.
func (x *XTS) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("xts: negative offset")
	}
	if off >= x.size {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > x.size {
		end = x.size
	}
	start, buf := x.span(off, end)
	if err := fsys.ReadAt(x.inner, buf, start); err != nil {
		return 0, err
	}
	x.decrypt(buf, start)

	n := copy(p, buf[off-start:end-start])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Partial sectors are read, decrypted,
// patched and re-encrypted.
func (x *XTS) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > x.size {
		return 0, fmt.Errorf("xts: write of %d bytes at %d outside image", len(p), off)
	}

	start, buf := x.span(off, off+int64(len(p)))
	if err := fsys.ReadAt(x.inner, buf, start); err != nil {
		return 0, err
	}
	x.decrypt(buf, start)
	copy(buf[off-start:], p)
	x.encrypt(buf, start)

	if err := fsys.WriteAt(x.inner, buf, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Sync flushes the underlying store when it supports it.
func (x *XTS) Sync() error {
	if s, ok := x.inner.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
