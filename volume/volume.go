// Package volume detects the format of an image once and dispatches
// lookups and unlinks to the matching engine.
package volume

import (
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/detect"
	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/fsys/ext"
	"github.com/lvdlvd/fsprobe/fsys/fat"
	"github.com/lvdlvd/fsprobe/fsys/part"
	"github.com/lvdlvd/fsprobe/logger"
	"github.com/lvdlvd/fsprobe/store"
)

// AnyPartition asks OpenPartition for the first partition holding a
// supported filesystem.
const AnyPartition = -1

// Volume is an opened image of a supported format.
type Volume struct {
	s    fsys.Store
	disk fsys.Store // whole image; s is a window of it for partitions
	kind detect.Type
	fs   fsys.Volume
	part *part.Partition // nil for unpartitioned images
}

// Open sniffs the signature of the image in s and decodes its metadata.
// Images matching neither format are rejected. On a partitioned disk the
// first partition holding a supported filesystem is opened.
func Open(s fsys.Store) (*Volume, error) {
	return OpenPartition(s, AnyPartition)
}

// OpenPartition is Open with an explicit partition index. Only
// AnyPartition is accepted for images without a partition table.
func OpenPartition(s fsys.Store, index int) (*Volume, error) {
	kind, err := detect.Detect(s)
	if err != nil {
		return nil, fmt.Errorf("detecting filesystem: %w", err)
	}
	if !kind.IsPartitionTable() {
		if index != AnyPartition {
			return nil, fmt.Errorf("partition %d requested but the image has no partition table", index)
		}
		return open(s, kind)
	}

	t, err := part.Read(s, kind)
	if err != nil {
		return nil, fmt.Errorf("reading %s partition table: %w", kind, err)
	}
	if index != AnyPartition {
		if index < 0 || index >= len(t.Partitions) {
			return nil, fmt.Errorf("partition %d out of range (%d partitions)", index, len(t.Partitions))
		}
		return openPartition(s, t.Partitions[index])
	}
	for _, p := range t.Partitions {
		v, err := openPartition(s, p)
		if err == nil {
			return v, nil
		}
		logger.Debug("volume: skipping %s: %v", p.Name(), err)
	}
	return nil, fmt.Errorf("no supported filesystem in %d %s partitions", len(t.Partitions), kind)
}

func openPartition(s fsys.Store, p *part.Partition) (*Volume, error) {
	sec := store.NewSection(s, p.Offset(), p.Size())
	kind, err := detect.Detect(sec)
	if err != nil {
		return nil, fmt.Errorf("partition %s: detecting filesystem: %w", p.Name(), err)
	}
	if kind.IsPartitionTable() {
		return nil, fmt.Errorf("partition %s: nested %s tables are not supported", p.Name(), kind)
	}
	v, err := open(sec, kind)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", p.Name(), err)
	}
	v.disk, v.part = s, p
	return v, nil
}

func open(s fsys.Store, kind detect.Type) (*Volume, error) {
	if kind == detect.Unknown {
		return nil, fmt.Errorf("unknown or unsupported filesystem")
	}
	fs, err := openFilesystem(s, kind)
	if err != nil {
		return nil, fmt.Errorf("opening %s volume: %w", kind, err)
	}
	logger.Debug("volume: detected %s", kind)
	return &Volume{s: s, disk: s, kind: kind, fs: fs}, nil
}

func openFilesystem(s fsys.Store, kind detect.Type) (fsys.Volume, error) {
	switch {
	case kind.IsFAT():
		return fat.Open(s)
	case kind.IsExt():
		return ext.Open(s)
	default:
		return nil, fmt.Errorf("unsupported filesystem type: %s", kind)
	}
}

// Kind is the detected format.
func (v *Volume) Kind() detect.Type { return v.kind }

// Type is the format name reported by the engine.
func (v *Volume) Type() string { return v.fs.Type() }

// Store returns the image the volume reads from. For a partition this is
// the partition's window of the disk image.
func (v *Volume) Store() fsys.Store { return v.s }

// Partition is the partition the volume was found in, or nil.
func (v *Volume) Partition() *part.Partition { return v.part }

// Metadata returns ext.Metadata or fat.Metadata.
func (v *Volume) Metadata() any {
	switch fs := v.fs.(type) {
	case *ext.FS:
		return fs.Metadata()
	case *fat.FS:
		return fs.Metadata()
	}
	return nil
}

// Locate searches the namespace for the first non-directory entry named
// name. ok is false when there is none.
func (v *Volume) Locate(name string) (m fsys.Match, ok bool, err error) {
	return v.fs.Locate(name)
}

// Unlink removes the first entry named name. Formats without unlink
// support fail before the image is touched.
func (v *Volume) Unlink(name string) error {
	u, ok := v.fs.(fsys.Unlinker)
	if !ok {
		return &fsys.UnsupportedOperationError{Op: "unlink", Type: v.fs.Type()}
	}
	return u.Unlink(name)
}

// Walk visits every live entry depth-first.
func (v *Volume) Walk(fn fsys.WalkFunc) error {
	return v.fs.Walk(fn)
}

// Extents maps the first file named name onto the image.
func (v *Volume) Extents(name string) ([]fsys.Extent, int64, error) {
	em, ok := v.fs.(fsys.ExtentMapper)
	if !ok {
		return nil, 0, &fsys.UnsupportedOperationError{Op: "extent mapping", Type: v.fs.Type()}
	}
	return em.FileExtents(name)
}

// OpenFile returns a reader over the contents of the first file named name.
// Inside a partition the reader goes straight to the disk image, and its
// Extents are offsets in the whole image.
func (v *Volume) OpenFile(name string) (*fsys.ExtentReaderAt, int64, error) {
	extents, size, err := v.Extents(name)
	if err != nil {
		return nil, 0, err
	}
	var base io.ReaderAt = v.s
	if v.part != nil {
		base = fsys.NewExtentReaderAt(v.disk, []fsys.Extent{{Physical: v.part.Offset(), Length: v.part.Size()}}, v.part.Size())
	}
	return fsys.NewExtentReaderAt(base, extents, size), size, nil
}

func (v *Volume) Close() error { return v.fs.Close() }
