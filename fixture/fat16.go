package fixture

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Geometry of the FAT16 images.
const (
	FATBytesPerSector    = 512
	FATSectorsPerCluster = 4
	FATReservedSectors   = 1
	FATCount             = 2
	FATRootEntries       = 512
	FATSectorsPerFAT     = 16
	FATClusters          = 64

	FATClusterSize = FATBytesPerSector * FATSectorsPerCluster
	FATRootOffset  = (FATReservedSectors + FATCount*FATSectorsPerFAT) * FATBytesPerSector
	FATDataOffset  = FATRootOffset + FATRootEntries*32

	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLFN       = 0x0F

	fatEOC   = 0xFFFF
	fatDate  = (2024-1980)<<9 | 1<<5 | 1 // 2024-01-01
	fatTime  = 12 << 11                  // 12:00:00
	fatMedia = 0xF8
)

type fatBootSector struct {
	Jump              [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	DriveNumber       uint8
	Reserved1         uint8
	BootSig           uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
}

type fatEntry struct {
	Name         [8]byte
	Ext          [3]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	ClusterHi    uint16
	WrtTime      uint16
	WrtDate      uint16
	ClusterLo    uint16
	Size         uint32
}

type fatDir struct {
	clusters []uint16 // empty for the root directory
	n        int      // records written
}

// FAT16 builds a FAT16 image with 2 KiB clusters and a 512-entry root
// directory. Directory 0 is the root.
type FAT16 struct {
	VolumeLabel string

	img  []byte
	next uint16
	dirs map[uint16]*fatDir
}

// NewFAT16 returns a builder holding an empty root directory.
func NewFAT16() *FAT16 {
	return &FAT16{
		VolumeLabel: "FIXTURE",
		img:         make([]byte, FATDataOffset+FATClusters*FATClusterSize),
		next:        2,
		dirs:        map[uint16]*fatDir{0: {}},
	}
}

// ClusterOffset is the image offset of a data cluster.
func ClusterOffset(c uint16) int64 {
	return int64(c-2)*FATClusterSize + FATDataOffset
}

// Reserve skips n clusters so the next allocation lands further out.
func (b *FAT16) Reserve(n int) {
	b.next += uint16(n)
}

func (b *FAT16) alloc(n int) []uint16 {
	cs := make([]uint16, n)
	for i := range cs {
		if int(b.next) >= FATClusters+2 {
			panic("fixture: FAT16 image is full")
		}
		cs[i] = b.next
		b.next++
	}
	return cs
}

// chain links clusters in order in both FAT copies.
func (b *FAT16) chain(cs []uint16) {
	for i, c := range cs {
		v := uint16(fatEOC)
		if i+1 < len(cs) {
			v = cs[i+1]
		}
		b.SetFAT(c, v)
	}
}

// SetFAT writes the entry for cluster c in every FAT copy.
func (b *FAT16) SetFAT(c, v uint16) {
	for f := 0; f < FATCount; f++ {
		off := (FATReservedSectors+f*FATSectorsPerFAT)*FATBytesPerSector + int(c)*2
		binary.LittleEndian.PutUint16(b.img[off:], v)
	}
}

// Mkdir creates a directory holding "." and ".." under parent.
func (b *FAT16) Mkdir(parent uint16, name string) uint16 {
	c := b.alloc(1)[0]
	b.chain([]uint16{c})
	b.dirs[c] = &fatDir{clusters: []uint16{c}}
	b.put(parent, shortName(name), AttrDirectory, c, 0)
	b.put(c, shortName("."), AttrDirectory, c, 0)
	b.put(c, shortName(".."), AttrDirectory, parent, 0)
	return c
}

// AddFile writes data into contiguous clusters and returns the first.
func (b *FAT16) AddFile(parent uint16, name string, data []byte) uint16 {
	n := (len(data) + FATClusterSize - 1) / FATClusterSize
	cs := b.alloc(n)
	b.AddFileAt(parent, name, data, cs...)
	if len(cs) == 0 {
		return 0
	}
	return cs[0]
}

// AddFileAt writes data into the given clusters, in chain order. The
// clusters must not be used by anything else.
func (b *FAT16) AddFileAt(parent uint16, name string, data []byte, clusters ...uint16) {
	for i, c := range clusters {
		end := (i + 1) * FATClusterSize
		if end > len(data) {
			end = len(data)
		}
		copy(b.img[ClusterOffset(c):], data[i*FATClusterSize:end])
	}
	b.chain(clusters)
	var first uint16
	if len(clusters) > 0 {
		first = clusters[0]
	}
	b.put(parent, shortName(name), AttrArchive, first, uint32(len(data)))
}

// AddRaw appends a record as given, for labels, deleted slots and
// long-name fragments.
func (b *FAT16) AddRaw(dir uint16, name [11]byte, attr uint8) {
	b.put(dir, name, attr, 0, 0)
}

func shortName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := name, ""
	if name != "." && name != ".." {
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			base, ext = name[:i], name[i+1:]
		}
	}
	if len(base) > 8 || len(ext) > 3 {
		panic(fmt.Sprintf("fixture: %q is not an 8.3 name", name))
	}
	copy(out[:8], strings.ToUpper(base))
	copy(out[8:], strings.ToUpper(ext))
	return out
}

// put appends a record to dir, growing a sub-directory's chain as needed.
func (b *FAT16) put(dir uint16, name [11]byte, attr uint8, cluster uint16, size uint32) {
	d := b.dirs[dir]
	if d == nil {
		panic(fmt.Sprintf("fixture: cluster %d is not a directory", dir))
	}

	var off int64
	if dir == 0 {
		if d.n >= FATRootEntries {
			panic("fixture: root directory is full")
		}
		off = FATRootOffset + int64(d.n)*32
	} else {
		perCluster := FATClusterSize / 32
		if d.n == len(d.clusters)*perCluster {
			d.clusters = append(d.clusters, b.alloc(1)[0])
			b.chain(d.clusters)
		}
		off = ClusterOffset(d.clusters[d.n/perCluster]) + int64(d.n%perCluster)*32
	}

	e := fatEntry{
		Attr:      attr,
		WrtTime:   fatTime,
		WrtDate:   fatDate,
		ClusterLo: cluster,
		Size:      size,
	}
	copy(e.Name[:], name[:8])
	copy(e.Ext[:], name[8:])
	copy(b.img[off:], pack(&e))
	d.n++
}

// Bytes writes the boot sector and the media descriptor and returns the
// image. The builder keeps sharing the returned slice.
func (b *FAT16) Bytes() []byte {
	total := len(b.img) / FATBytesPerSector
	bs := fatBootSector{
		Jump:              [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    FATBytesPerSector,
		SectorsPerCluster: FATSectorsPerCluster,
		ReservedSectors:   FATReservedSectors,
		NumFATs:           FATCount,
		RootEntryCount:    FATRootEntries,
		TotalSectors16:    uint16(total),
		Media:             fatMedia,
		FATSize16:         FATSectorsPerFAT,
		SectorsPerTrack:   32,
		NumHeads:          2,
		DriveNumber:       0x80,
		BootSig:           0x29,
		VolumeID:          0x1234ABCD,
	}
	copy(bs.OEMName[:], "FSPROBE ")
	copy(bs.VolumeLabel[:], fmt.Sprintf("%-11s", b.VolumeLabel))
	copy(bs.FSType[:], "FAT16   ")
	copy(b.img, pack(&bs))
	b.img[510], b.img[511] = 0x55, 0xAA

	b.SetFAT(0, 0xFF00|fatMedia)
	b.SetFAT(1, fatEOC)
	return b.img
}
