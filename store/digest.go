package store

import (
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the BLAKE2b-256 sum of the first size bytes of r.
func Digest(r io.ReaderAt, size int64) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("hashing image: %w", err)
	}
	return h.Sum(nil), nil
}
