package ext

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/fsprobe/fsys"
)

const (
	groupDescSize        = 32
	rawInodeLen          = 0x70
	directBlocks         = 12
	inodeFlagExtents     = 0x00080000
	modeTypeMask         = 0xF000
	modeDir              = 0x4000
	modeRegular          = 0x8000
	sectorsPerBlockShift = 9 // i_blocks counts 512-byte sectors
)

// rawGroupDesc mirrors a 32-byte block group descriptor.
type rawGroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// inode mirrors the fixed part of an on-disk inode.
type inode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32
	Flags      uint32
	OSD1       uint32
	Block      [15]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32
}

func (in *inode) isDir() bool { return in.Mode&modeTypeMask == modeDir }

func (in *inode) size() int64 {
	size := int64(in.SizeLo)
	if in.Mode&modeTypeMask == modeRegular {
		size |= int64(in.SizeHigh) << 32
	}
	return size
}

// inodeOffset maps an inode number to its byte offset in the inode table of
// its block group.
func (f *FS) inodeOffset(ino uint32) (int64, error) {
	if f.md.InodesPerGroup == 0 {
		return 0, &fsys.ConfigError{Field: "inodes_per_group", Reason: "is zero"}
	}
	if ino == 0 || (f.md.InodesCount != 0 && ino > f.md.InodesCount) {
		return 0, &fsys.UnsupportedAddressingError{What: "inode", Value: uint64(ino)}
	}

	group := (ino - 1) / f.md.InodesPerGroup
	index := (ino - 1) % f.md.InodesPerGroup

	// The descriptor table occupies the block after the superblock's.
	slot := int64(group) * groupDescSize
	if slot+groupDescSize > int64(f.md.BlockSize) {
		return 0, &fsys.UnsupportedAddressingError{What: "block group", Value: uint64(group)}
	}
	descOffset := f.blockOffset(uint64(f.md.FirstDataBlock)+1) + slot

	data := make([]byte, groupDescSize)
	if err := fsys.ReadAt(f.s, data, descOffset); err != nil {
		return 0, fmt.Errorf("reading descriptor of group %d: %w", group, err)
	}
	var gd rawGroupDesc
	if err := restruct.Unpack(data, binary.LittleEndian, &gd); err != nil {
		return 0, fmt.Errorf("decoding descriptor of group %d: %w", group, err)
	}

	return f.blockOffset(uint64(gd.InodeTable)) + int64(index)*int64(f.md.InodeSize), nil
}

func (f *FS) readInode(ino uint32) (*inode, error) {
	off, err := f.inodeOffset(ino)
	if err != nil {
		return nil, err
	}

	data := make([]byte, rawInodeLen)
	if err := fsys.ReadAt(f.s, data, off); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", ino, err)
	}
	in := new(inode)
	if err := restruct.Unpack(data, binary.LittleEndian, in); err != nil {
		return nil, fmt.Errorf("decoding inode %d: %w", ino, err)
	}
	return in, nil
}

// dataBlockOffset returns the byte offset of logical block idx of the inode.
// Zero means the pointer is unset.
func (f *FS) dataBlockOffset(in *inode, idx int64) (int64, error) {
	if in.Flags&inodeFlagExtents != 0 {
		return 0, &fsys.UnsupportedAddressingError{What: "extent-mapped block", Value: uint64(idx)}
	}
	if idx < 0 || idx >= directBlocks {
		return 0, &fsys.UnsupportedAddressingError{What: "indirect block index", Value: uint64(idx)}
	}
	return f.blockOffset(uint64(in.Block[idx])), nil
}

// dataBlockCount derives the number of data blocks from the sector usage
// counter.
func (f *FS) dataBlockCount(in *inode) int64 {
	return int64(in.Blocks) / int64(f.md.BlockSize>>sectorsPerBlockShift)
}

// firstBlockOffset is the location reported for a file: its first data
// block, or 0 when it has none.
func (f *FS) firstBlockOffset(in *inode) (int64, error) {
	if f.dataBlockCount(in) == 0 {
		return 0, nil
	}
	return f.dataBlockOffset(in, 0)
}

func (f *FS) blockOffset(block uint64) int64 {
	return int64(block) * int64(f.md.BlockSize)
}
