package fixture

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	SectorSize = 512

	// DiskFirstLBA is where the first partition of a fixture disk starts.
	DiskFirstLBA = 64

	gptEntries    = 128
	gptEntrySize  = 128
	gptEntriesLBA = 2
)

// Partition type GUIDs used by the GPT fixtures.
var (
	GUIDLinuxFS   = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	GUIDBasicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
)

// DiskPart is one partition of a fixture disk. Data is padded to whole
// sectors and partitions are laid out back to back from DiskFirstLBA.
type DiskPart struct {
	Type     byte      // MBR partition type
	TypeGUID uuid.UUID // GPT partition type
	Label    string
	Data     []byte
}

// PartStartLBA is the first sector of the i-th partition of parts.
func PartStartLBA(parts []DiskPart, i int) uint64 {
	lba := uint64(DiskFirstLBA)
	for _, p := range parts[:i] {
		lba += sectors(len(p.Data))
	}
	return lba
}

func sectors(n int) uint64 {
	return uint64((n + SectorSize - 1) / SectorSize)
}

func layout(parts []DiskPart) []byte {
	end := PartStartLBA(parts, len(parts))
	img := make([]byte, end*SectorSize)
	for i, p := range parts {
		copy(img[PartStartLBA(parts, i)*SectorSize:], p.Data)
	}
	return img
}

type diskMBREntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	StartLBA uint32
	Sectors  uint32
}

func putMBR(img []byte, entries []diskMBREntry) {
	for i, e := range entries {
		copy(img[446+i*16:], pack(&e))
	}
	img[510], img[511] = 0x55, 0xAA
}

// MBR lays parts out on a disk with a classic MBR partition table. At most
// four partitions fit.
func MBR(parts ...DiskPart) []byte {
	if len(parts) > 4 {
		panic("fixture: an MBR holds four partitions")
	}
	img := layout(parts)
	var entries []diskMBREntry
	for i, p := range parts {
		e := diskMBREntry{
			Type:     p.Type,
			StartLBA: uint32(PartStartLBA(parts, i)),
			Sectors:  uint32(sectors(len(p.Data))),
		}
		if i == 0 {
			e.Status = 0x80
		}
		entries = append(entries, e)
	}
	putMBR(img, entries)
	return img
}

type diskGPTHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC      uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	EntryCount     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

type diskGPTEntry struct {
	TypeGUID   [16]byte
	PartGUID   [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [36]uint16
}

// GPT lays parts out on a disk with a protective MBR and a primary GPT.
// The backup header is not written.
func GPT(parts ...DiskPart) []byte {
	img := layout(parts)
	total := uint64(len(img) / SectorSize)
	putMBR(img, []diskMBREntry{{Type: 0xEE, StartLBA: 1, Sectors: uint32(total - 1)}})

	entries := img[gptEntriesLBA*SectorSize : gptEntriesLBA*SectorSize+gptEntries*gptEntrySize]
	for i, p := range parts {
		start := PartStartLBA(parts, i)
		e := diskGPTEntry{
			TypeGUID: guidToDisk(p.TypeGUID),
			PartGUID: guidToDisk(uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(i)})),
			FirstLBA: start,
			LastLBA:  start + sectors(len(p.Data)) - 1,
		}
		copy(e.Name[:], utf16.Encode([]rune(p.Label)))
		copy(entries[i*gptEntrySize:], pack(&e))
	}

	h := diskGPTHeader{
		Revision:       0x00010000,
		HeaderSize:     92,
		CurrentLBA:     1,
		BackupLBA:      total - 1,
		FirstUsableLBA: DiskFirstLBA,
		LastUsableLBA:  total - 1,
		DiskGUID:       guidToDisk(uuid.MustParse("3b8f2c1a-7d64-4e0b-a5c9-1f2e3d4c5b6a")),
		EntriesLBA:     gptEntriesLBA,
		EntryCount:     gptEntries,
		EntrySize:      gptEntrySize,
		EntriesCRC:     crc32.ChecksumIEEE(entries),
	}
	copy(h.Signature[:], "EFI PART")
	h.HeaderCRC = crc32.ChecksumIEEE(pack(&h))
	copy(img[SectorSize:], pack(&h))
	return img
}

func guidToDisk(u uuid.UUID) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], binary.BigEndian.Uint32(u[0:]))
	binary.LittleEndian.PutUint16(b[4:], binary.BigEndian.Uint16(u[4:]))
	binary.LittleEndian.PutUint16(b[6:], binary.BigEndian.Uint16(u[6:]))
	copy(b[8:], u[8:])
	return b
}
