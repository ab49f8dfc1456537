// Package fixture builds small, deterministic volume images for tests and
// for testdata/mkdisk.go. Builders panic on misuse; they are test helpers.
package fixture

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/go-restruct/restruct"
)

// Geometry of the ext2 images.
const (
	ExtBlockSize      = 1024 // default block size
	ExtInodeSize      = 128
	ExtInodesPerGroup = 16
	ExtGroups         = 2
	ExtBlocksPerGroup = 64

	ExtRootInode       = 2
	ExtLostFoundInode  = 11
	ExtMtime           = 1700000000
	extGroupHeadBlocks = 4 // bitmaps and a two-block inode table
	extFiletypeFeature = 0x0002

	FileTypeUnknown = 0
	FileTypeRegular = 1
	FileTypeDir     = 2

	modeDir  = 0x41ED
	modeFile = 0x81A4
)

type extSuperblock struct {
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

type extGroupDesc struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint16
	FreeInodes  uint16
	UsedDirs    uint16
	Pad         uint16
	Reserved    [12]byte
}

type extInode struct {
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
}

type extDirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

type extDir struct {
	blocks []uint32
	last   int  // offset of the last record in the current block
	used   int  // bytes used in the current block
	brk    bool // next record starts a new block
}

// Ext2 builds an ext2 image with two block groups. The root directory holds
// ".", ".." and lost+found when it is created.
type Ext2 struct {
	VolumeName string
	UUID       [16]byte

	bs        int
	firstData uint32 // 1 for 1 KiB blocks, where the superblock fills block 1
	img       []byte
	nextBlock uint32
	nextInode uint32
	inodes    map[uint32]*extInode
	dirs      map[uint32]*extDir
}

// NewExt2 returns a builder with 1 KiB blocks holding an empty root
// directory.
func NewExt2() *Ext2 { return NewExt2Blocks(ExtBlockSize) }

// NewExt2Blocks is NewExt2 with a chosen block size, a power of two from
// 1024 to 32768. Larger blocks put the superblock inside block 0.
func NewExt2Blocks(bs int) *Ext2 {
	if bs < 1024 || bs > 1<<15 || bs&(bs-1) != 0 {
		panic(fmt.Sprintf("fixture: bad ext2 block size %d", bs))
	}
	b := &Ext2{
		VolumeName: "fixture",
		UUID:       [16]byte{0x5a, 0x1e, 0x0b, 0x7c, 0x42, 0x11, 0x4e, 0x8a, 0x9d, 0x03, 0x6f, 0x21, 0xc4, 0x58, 0x90, 0xee},
		bs:         bs,
		nextInode:  ExtLostFoundInode + 1,
		inodes:     make(map[uint32]*extInode),
		dirs:       make(map[uint32]*extDir),
	}
	if bs == 1024 {
		b.firstData = 1
	}
	b.img = make([]byte, (int(b.firstData)+ExtBlocksPerGroup*ExtGroups)*bs)
	b.nextBlock = b.groupStart(0) + 2 + extGroupHeadBlocks // superblock and descriptor table come first
	b.mkdir(ExtRootInode, ExtRootInode)
	b.link(ExtRootInode, ExtRootInode, ".", FileTypeDir)
	b.link(ExtRootInode, ExtRootInode, "..", FileTypeDir)
	b.MkdirAt(ExtRootInode, ExtLostFoundInode, "lost+found")
	return b
}

// BlockSize is the block size of the image.
func (b *Ext2) BlockSize() int { return b.bs }

func (b *Ext2) groupStart(g int) uint32 { return b.firstData + uint32(g*ExtBlocksPerGroup) }

// inodeTable is the absolute first block of group g's inode table.
func (b *Ext2) inodeTable(g int) uint32 {
	if g == 0 {
		return b.groupStart(0) + 2 + 2 // after superblock, descriptors and bitmaps
	}
	return b.groupStart(g) + 2
}

func (b *Ext2) allocBlock() uint32 {
	for g := 1; g < ExtGroups; g++ {
		if b.nextBlock == b.groupStart(g) {
			b.nextBlock += extGroupHeadBlocks
		}
	}
	if int(b.nextBlock+1)*b.bs > len(b.img) {
		panic("fixture: ext2 image is full")
	}
	blk := b.nextBlock
	b.nextBlock++
	return blk
}

func (b *Ext2) allocInode() uint32 {
	for b.inodes[b.nextInode] != nil {
		b.nextInode++
	}
	if b.nextInode > ExtInodesPerGroup*ExtGroups {
		panic("fixture: out of inodes")
	}
	return b.nextInode
}

func (b *Ext2) claimInode(ino uint32) {
	if ino == 0 || ino > ExtInodesPerGroup*ExtGroups || b.inodes[ino] != nil {
		panic(fmt.Sprintf("fixture: inode %d unavailable", ino))
	}
}

// Mkdir creates a directory holding "." and ".." under parent.
func (b *Ext2) Mkdir(parent uint32, name string) uint32 {
	ino := b.allocInode()
	b.MkdirAt(parent, ino, name)
	return ino
}

// MkdirAt is Mkdir with a chosen inode number.
func (b *Ext2) MkdirAt(parent, ino uint32, name string) {
	b.MkdirBare(parent, ino, name)
	b.link(ino, ino, ".", FileTypeDir)
	b.link(ino, parent, "..", FileTypeDir)
}

// MkdirBare creates a directory with no records at all. The caller adds
// them with AddEntry; "." and ".." are not implied.
func (b *Ext2) MkdirBare(parent, ino uint32, name string) {
	b.claimInode(ino)
	b.mkdir(ino, parent)
	b.link(parent, ino, name, FileTypeDir)
}

func (b *Ext2) mkdir(ino, parent uint32) {
	b.inodes[ino] = &extInode{Mode: modeDir, LinksCount: 2, Mtime: ExtMtime, Ctime: ExtMtime, Atime: ExtMtime}
	b.dirs[ino] = &extDir{}
}

// AddFile writes data into a new regular file under parent.
func (b *Ext2) AddFile(parent uint32, name string, data []byte) uint32 {
	ino := b.allocInode()
	b.AddFileAt(parent, ino, name, data)
	return ino
}

// AddFileAt is AddFile with a chosen inode number. Files longer than twelve
// blocks get a single indirect block for the rest.
func (b *Ext2) AddFileAt(parent, ino uint32, name string, data []byte) {
	b.claimInode(ino)
	in := &extInode{Mode: modeFile, LinksCount: 1, SizeLo: uint32(len(data)), Mtime: ExtMtime, Ctime: ExtMtime, Atime: ExtMtime}
	b.inodes[ino] = in

	nblocks := (len(data) + b.bs - 1) / b.bs
	var indirect []uint32
	for i := 0; i < nblocks; i++ {
		blk := b.allocBlock()
		end := min((i+1)*b.bs, len(data))
		copy(b.img[int(blk)*b.bs:], data[i*b.bs:end])
		if i < 12 {
			in.Block[i] = blk
		} else {
			indirect = append(indirect, blk)
		}
	}
	used := nblocks
	if len(indirect) > 0 {
		ind := b.allocBlock()
		for i, blk := range indirect {
			binary.LittleEndian.PutUint32(b.img[int(ind)*b.bs+4*i:], blk)
		}
		in.Block[12] = ind
		used++
	}
	in.Blocks = uint32(used * b.bs / 512)

	b.link(parent, ino, name, FileTypeRegular)
}

// AddEntry links an existing inode into dir without touching the inode.
func (b *Ext2) AddEntry(dir, ino uint32, name string, fileType uint8) {
	b.link(dir, ino, name, fileType)
}

// BlockBreak makes the next record of dir start a fresh directory block.
func (b *Ext2) BlockBreak(dir uint32) {
	b.dir(dir).brk = true
}

// DirBlocks returns the absolute block numbers of a directory.
func (b *Ext2) DirBlocks(dir uint32) []uint32 {
	return append([]uint32(nil), b.dir(dir).blocks...)
}

func (b *Ext2) dir(ino uint32) *extDir {
	d := b.dirs[ino]
	if d == nil {
		panic(fmt.Sprintf("fixture: inode %d is not a directory", ino))
	}
	return d
}

func direntLen(nameLen int) int {
	return (8 + nameLen + 3) &^ 3
}

// link appends a record to dir. The new record always stretches to the end
// of its block, so every block stays well formed between calls.
func (b *Ext2) link(dir, ino uint32, name string, fileType uint8) {
	d := b.dir(dir)
	need := direntLen(len(name))
	if len(d.blocks) == 0 || d.brk || d.used+need > b.bs {
		blk := b.allocBlock()
		d.blocks = append(d.blocks, blk)
		d.last, d.used, d.brk = -1, 0, false

		in := b.inodes[dir]
		n := len(d.blocks)
		if n > 12 {
			panic("fixture: directory outgrew its direct blocks")
		}
		in.Block[n-1] = blk
		in.SizeLo = uint32(n * b.bs)
		in.Blocks = uint32(n * b.bs / 512)
	}

	base := int(d.blocks[len(d.blocks)-1]) * b.bs
	if d.last >= 0 {
		binary.LittleEndian.PutUint16(b.img[base+d.last+4:], uint16(d.used-d.last))
	}
	off := d.used
	b.putRecord(base+off, ino, uint16(b.bs-off), name, fileType)
	d.last, d.used = off, off+need
}

func (b *Ext2) putRecord(at int, ino uint32, recLen uint16, name string, fileType uint8) {
	hdr := pack(&extDirent{Inode: ino, RecLen: recLen, NameLen: uint8(len(name)), FileType: fileType})
	copy(b.img[at:], hdr)
	copy(b.img[at+len(hdr):], name)
}

// Bytes writes the superblock, descriptors and inodes and returns the
// image. The builder keeps sharing the returned slice.
func (b *Ext2) Bytes() []byte {
	totalInodes := ExtInodesPerGroup * ExtGroups
	sb := extSuperblock{
		InodesCount:     uint32(totalInodes),
		BlocksCount:     uint32(len(b.img) / b.bs),
		FreeBlocksCount: uint32(len(b.img)/b.bs) - b.nextBlock,
		FreeInodesCount: uint32(totalInodes - len(b.inodes)),
		FirstDataBlock:  b.firstData,
		LogBlockSize:    uint32(bits.TrailingZeros(uint(b.bs)) - 10),
		BlocksPerGroup:  ExtBlocksPerGroup,
		FragsPerGroup:   ExtBlocksPerGroup,
		InodesPerGroup:  ExtInodesPerGroup,
		Mtime:           ExtMtime,
		Wtime:           ExtMtime,
		MaxMntCount:     -1,
		Magic:           0xEF53,
		State:           1,
		Errors:          1,
		LastCheck:       ExtMtime,
		RevLevel:        1,
		FirstIno:        ExtLostFoundInode,
		InodeSize:       ExtInodeSize,
		FeatureIncompat: extFiletypeFeature,
		UUID:            b.UUID,
	}
	copy(sb.VolumeName[:], b.VolumeName)
	copy(b.img[1024:], pack(&sb))

	for g := 0; g < ExtGroups; g++ {
		gd := extGroupDesc{
			BlockBitmap: b.inodeTable(g) - 2,
			InodeBitmap: b.inodeTable(g) - 1,
			InodeTable:  b.inodeTable(g),
		}
		copy(b.img[int(b.firstData+1)*b.bs+g*32:], pack(&gd))
	}

	for ino, in := range b.inodes {
		copy(b.img[b.InodeOffset(ino):], pack(in))
	}
	return b.img
}

// InodeOffset returns the image offset of an inode record.
func (b *Ext2) InodeOffset(ino uint32) int64 {
	g := int(ino-1) / ExtInodesPerGroup
	idx := int(ino-1) % ExtInodesPerGroup
	return int64(b.inodeTable(g))*int64(b.bs) + int64(idx)*ExtInodeSize
}

func pack(v interface{}) []byte {
	data, err := restruct.Pack(binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("fixture: packing %T: %v", v, err))
	}
	return data
}
