// Package ext implements lookup and entry removal on ext2-style volumes.
//
// Only the twelve direct block pointers of an inode are followed and the
// block-group descriptor table must fit in a single block.
package ext

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	rawSuperblockLen = 0x88
	extMagic         = 0xEF53

	rootInode = 2

	// Feature flags
	featureCompatHasJournal = 0x0004
	featureIncompatExtents  = 0x0040
	featureIncompat64Bit    = 0x0080
)

// rawSuperblock mirrors the leading fields of the on-disk superblock.
type rawSuperblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	RBlocksCount    uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     uint32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	MntCount        uint16
	MaxMntCount     int16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRevLevel   uint16
	LastCheck       uint32
	CheckInterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	DefResuid       uint16
	DefResgid       uint16
	FirstIno        uint32
	InodeSize       uint16
	BlockGroupNr    uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            [16]byte
	VolumeName      [16]byte
}

// Metadata holds the decoded superblock. It is fixed once the volume is
// open.
type Metadata struct {
	BlockSize      uint32
	InodeSize      uint16
	InodesPerGroup uint32
	BlocksPerGroup uint32
	FirstDataBlock uint32
	FirstInode     uint32

	InodesCount    uint32
	BlocksCount    uint32
	FreeInodes     uint32
	FreeBlocks     uint32
	ReservedBlocks uint32
	FragsPerGroup  uint32
	RevLevel       uint32

	VolumeName  string
	UUID        uuid.UUID
	LastMounted time.Time
	LastWritten time.Time
	LastChecked time.Time

	Variant string // "ext2", "ext3" or "ext4"
}

// FS is an open ext2-style volume.
type FS struct {
	s  fsys.Store
	md Metadata
}

// Open decodes the superblock of the volume in s.
func Open(s fsys.Store) (*FS, error) {
	data := make([]byte, superblockSize)
	if err := fsys.ReadAt(s, data, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	var sb rawSuperblock
	if err := restruct.Unpack(data[:rawSuperblockLen], binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("decoding superblock: %w", err)
	}
	if sb.Magic != extMagic {
		return nil, fmt.Errorf("not an ext filesystem (magic %#04x)", sb.Magic)
	}

	md, err := parseSuperblock(&sb)
	if err != nil {
		return nil, err
	}
	return &FS{s: s, md: md}, nil
}

func parseSuperblock(sb *rawSuperblock) (Metadata, error) {
	if sb.InodesPerGroup == 0 {
		return Metadata{}, &fsys.ConfigError{Field: "inodes_per_group", Reason: "is zero"}
	}
	if sb.LogBlockSize > 6 {
		return Metadata{}, &fsys.ConfigError{Field: "log_block_size", Reason: fmt.Sprintf("%d exceeds 64 KiB blocks", sb.LogBlockSize)}
	}

	inodeSize := sb.InodeSize
	// Default inode size for rev 0
	if sb.RevLevel == 0 {
		inodeSize = 128
	}
	if inodeSize < 128 || inodeSize&(inodeSize-1) != 0 {
		return Metadata{}, &fsys.ConfigError{Field: "inode_size", Reason: fmt.Sprintf("%d is not a power of two >= 128", inodeSize)}
	}

	md := Metadata{
		BlockSize:      1024 << sb.LogBlockSize,
		InodeSize:      inodeSize,
		InodesPerGroup: sb.InodesPerGroup,
		BlocksPerGroup: sb.BlocksPerGroup,
		FirstDataBlock: sb.FirstDataBlock,
		FirstInode:     sb.FirstIno,
		InodesCount:    sb.InodesCount,
		BlocksCount:    sb.BlocksCount,
		FreeInodes:     sb.FreeInodesCount,
		FreeBlocks:     sb.FreeBlocksCount,
		ReservedBlocks: sb.RBlocksCount,
		FragsPerGroup:  sb.FragsPerGroup,
		RevLevel:       sb.RevLevel,
		VolumeName:     strings.TrimRight(string(sb.VolumeName[:]), "\x00"),
		UUID:           uuid.UUID(sb.UUID),
		LastMounted:    time.Unix(int64(sb.Mtime), 0).UTC(),
		LastWritten:    time.Unix(int64(sb.Wtime), 0).UTC(),
		LastChecked:    time.Unix(int64(sb.LastCheck), 0).UTC(),
	}
	if sb.RevLevel == 0 {
		md.FirstInode = 11
	}

	switch {
	case sb.FeatureIncompat&(featureIncompatExtents|featureIncompat64Bit) != 0:
		md.Variant = "ext4"
	case sb.FeatureCompat&featureCompatHasJournal != 0:
		md.Variant = "ext3"
	default:
		md.Variant = "ext2"
	}

	return md, nil
}

func (f *FS) Type() string { return f.md.Variant }
func (f *FS) Close() error { return nil }

// Metadata returns the decoded superblock
func (f *FS) Metadata() Metadata { return f.md }

// Locate finds the first non-directory entry named name, depth-first from
// the root directory.
func (f *FS) Locate(name string) (fsys.Match, bool, error) {
	h, err := f.find(name)
	if err != nil || h == nil {
		return fsys.Match{}, false, err
	}

	in, err := f.readInode(h.inode)
	if err != nil {
		return fsys.Match{}, false, err
	}
	loc, err := f.firstBlockOffset(in)
	if err != nil {
		return fsys.Match{}, false, err
	}

	return fsys.Match{
		Path:     h.path,
		Name:     h.name,
		Size:     in.size(),
		Location: loc,
		Inode:    h.inode,
	}, true, nil
}

// find returns the walk context of the first match, or nil.
func (f *FS) find(name string) (*hit, error) {
	var found *hit
	err := f.walk(func(h *hit, isDir bool) error {
		if !isDir && fsys.NameMatch(name, h.name) {
			found = h
			return fsys.SkipAll
		}
		return nil
	})
	return found, err
}

// Walk visits every live entry depth-first in on-disk order.
func (f *FS) Walk(fn fsys.WalkFunc) error {
	return f.walk(func(h *hit, isDir bool) error {
		in, err := f.readInode(h.inode)
		if err != nil {
			return err
		}
		loc, err := f.firstBlockOffset(in)
		if err != nil {
			logger.Debug("ext: %s: no data location: %v", h.path, err)
			loc = 0
		}
		return fn(fsys.Entry{
			Path:     h.path,
			Name:     h.name,
			IsDir:    isDir,
			Size:     in.size(),
			Location: loc,
			Inode:    h.inode,
			ModTime:  time.Unix(int64(in.Mtime), 0).UTC(),
		})
	})
}

// Unlink removes the first entry matching name from its parent directory.
func (f *FS) Unlink(name string) error {
	h, err := f.find(name)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("unlink %s: %w", name, fsys.ErrNotFound)
	}
	return f.unlink(h)
}

// FileExtents returns the physical extents for the first file matching name
func (f *FS) FileExtents(name string) ([]fsys.Extent, int64, error) {
	h, err := f.find(name)
	if err != nil {
		return nil, 0, err
	}
	if h == nil {
		return nil, 0, fmt.Errorf("%s: %w", name, fsys.ErrNotFound)
	}
	in, err := f.readInode(h.inode)
	if err != nil {
		return nil, 0, err
	}

	fileSize := in.size()
	blockSize := int64(f.md.BlockSize)
	blocksNeeded := (fileSize + blockSize - 1) / blockSize

	var extents []fsys.Extent
	var current *fsys.Extent
	remaining := fileSize

	for i := int64(0); i < blocksNeeded; i++ {
		physOffset, err := f.dataBlockOffset(in, i)
		if err != nil {
			return nil, 0, err
		}
		extentLen := blockSize
		if extentLen > remaining {
			extentLen = remaining
		}
		// Holes read back as zeros through the extent reader
		if physOffset != 0 {
			if current != nil && current.Physical+current.Length == physOffset &&
				current.Logical+current.Length == i*blockSize {
				current.Length += extentLen
			} else {
				if current != nil {
					extents = append(extents, *current)
				}
				current = &fsys.Extent{Logical: i * blockSize, Physical: physOffset, Length: extentLen}
			}
		}
		remaining -= extentLen
	}
	if current != nil {
		extents = append(extents, *current)
	}

	return extents, fileSize, nil
}
