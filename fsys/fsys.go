// Package fsys defines the shared vocabulary of the volume engines: the
// byte store they read from, the capabilities a volume may offer, and the
// results and errors they return.
package fsys

import (
	"errors"
	"io"
	"time"
)

// Store is the backing image. Every engine borrows it; none buffers more
// than the record it is currently inspecting.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// Extent represents a mapping from logical file offset to physical image offset
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// Volume is a decoded filesystem image that can be searched by name.
type Volume interface {
	// Type returns the filesystem type name (e.g., "FAT16", "ext2")
	Type() string

	// Locate searches the whole namespace depth-first for a non-directory
	// entry whose name matches case-insensitively. The bool is false when
	// no such entry exists; that is not an error.
	Locate(name string) (Match, bool, error)

	// Walk visits every live entry depth-first in on-disk order.
	// Returning SkipAll from fn stops the walk without error.
	Walk(fn WalkFunc) error

	// Close releases any resources held by the volume
	Close() error
}

// Unlinker is implemented by volumes that can remove a directory entry.
type Unlinker interface {
	Unlink(name string) error
}

// ExtentMapper is an optional interface for volumes that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the extents of the first file matching name.
	FileExtents(name string) ([]Extent, int64, error)
}

// Entry is one live directory record reported by Walk.
type Entry struct {
	Path     string // slash-separated path from the root, e.g. "docs/notes.txt"
	Name     string
	IsDir    bool
	Size     int64
	Location int64  // absolute byte offset of the first data block, 0 if none
	Inode    uint32 // ext only
	Cluster  uint32 // FAT only
	ModTime  time.Time
}

// Match is the outcome of a successful Locate.
type Match struct {
	Path     string
	Name     string
	Size     int64
	Location int64
	Inode    uint32
	Cluster  uint32
}

// WalkFunc is called for each entry visited by Walk.
type WalkFunc func(e Entry) error

// SkipAll stops a walk early.
var SkipAll = errors.New("skip everything and stop the walk")

// ErrNotFound is returned by operations that need an existing name.
var ErrNotFound = errors.New("no entry with this name exists under the root")

// NameMatch compares two names ignoring ASCII case only.
func NameMatch(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// JoinPath joins a directory path and a name the way Walk reports paths.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
