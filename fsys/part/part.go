// Package part reads MBR and GPT partition tables so that a volume inside a
// partitioned disk image can be probed in place.
package part

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/go-restruct/restruct"
	"github.com/google/uuid"

	"github.com/lvdlvd/fsprobe/detect"
	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

// SectorSize is the logical block size partition tables are addressed in.
const SectorSize = 512

const (
	mbrSignature   = 0xAA55
	gptHeaderLBA   = 1
	gptEntryMin    = 128
	gptMaxEntries  = 1024
	gptNameOffset  = 56
	mbrTypeGPTProt = 0xEE
)

// Partition represents a single partition entry
type Partition struct {
	Index    int
	Type     byte      // MBR partition type, 0 for GPT
	TypeGUID uuid.UUID // GPT partition type, uuid.Nil for MBR
	ID       uuid.UUID // GPT unique partition GUID
	StartLBA uint64
	SizeLBA  uint64
	Bootable bool
	Label    string // GPT partition name
}

// Name is the short name used on the command line, e.g. "p0".
func (p *Partition) Name() string { return fmt.Sprintf("p%d", p.Index) }

// Offset returns the starting byte offset
func (p *Partition) Offset() int64 { return int64(p.StartLBA) * SectorSize }

// Size returns the partition size in bytes
func (p *Partition) Size() int64 { return int64(p.SizeLBA) * SectorSize }

// Table is a decoded partition table.
type Table struct {
	Kind       detect.Type // MBR or GPT
	Partitions []*Partition
}

type mbrEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	StartLBA uint32
	Sectors  uint32
}

type mbrSector struct {
	Code      [446]byte
	Entries   [4]mbrEntry
	Signature uint16
}

type gptHeader struct {
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

type gptEntry struct {
	TypeGUID   [16]byte
	PartGUID   [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

// Read decodes the partition table of the given kind. Empty slots are
// skipped; Index counts only the partitions that are kept.
func Read(r io.ReaderAt, kind detect.Type) (*Table, error) {
	t := &Table{Kind: kind}
	var err error
	switch kind {
	case detect.MBR:
		err = t.readMBR(r)
	case detect.GPT:
		err = t.readGPT(r)
	default:
		return nil, fmt.Errorf("unknown partition table type: %v", kind)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("part: %d partitions in %s table", len(t.Partitions), kind)
	return t, nil
}

func (t *Table) readMBR(r io.ReaderAt) error {
	buf := make([]byte, SectorSize)
	if err := fsys.ReadAt(r, buf, 0); err != nil {
		return fmt.Errorf("reading MBR: %w", err)
	}
	var mbr mbrSector
	if err := restruct.Unpack(buf, binary.LittleEndian, &mbr); err != nil {
		return fmt.Errorf("decoding MBR: %w", err)
	}
	if mbr.Signature != mbrSignature {
		return &fsys.ConfigError{Field: "mbr_signature", Reason: fmt.Sprintf("is %#04x", mbr.Signature)}
	}

	for _, e := range mbr.Entries {
		if e.Type == 0 || e.StartLBA == 0 || e.Sectors == 0 {
			continue
		}
		if e.Type == mbrTypeGPTProt {
			logger.Warn("part: protective MBR entry without a GPT header")
		}
		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			Type:     e.Type,
			StartLBA: uint64(e.StartLBA),
			SizeLBA:  uint64(e.Sectors),
			Bootable: e.Status == 0x80,
		})
	}
	return nil
}

func (t *Table) readGPT(r io.ReaderAt) error {
	buf := make([]byte, SectorSize)
	if err := fsys.ReadAt(r, buf, gptHeaderLBA*SectorSize); err != nil {
		return fmt.Errorf("reading GPT header: %w", err)
	}
	var h gptHeader
	if err := restruct.Unpack(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("decoding GPT header: %w", err)
	}
	if string(h.Signature[:]) != "EFI PART" {
		return &fsys.ConfigError{Field: "gpt_signature", Reason: "is missing"}
	}
	if h.EntrySize < gptEntryMin || h.EntrySize%8 != 0 {
		return &fsys.ConfigError{Field: "gpt_entry_size", Reason: fmt.Sprintf("is %d", h.EntrySize)}
	}
	if h.EntryCount > gptMaxEntries {
		return &fsys.ConfigError{Field: "gpt_entry_count", Reason: fmt.Sprintf("is %d", h.EntryCount)}
	}

	entries := make([]byte, int(h.EntryCount)*int(h.EntrySize))
	if err := fsys.ReadAt(r, entries, int64(h.EntriesLBA)*SectorSize); err != nil {
		return fmt.Errorf("reading GPT entries: %w", err)
	}

	for i := 0; i < int(h.EntryCount); i++ {
		raw := entries[i*int(h.EntrySize) : (i+1)*int(h.EntrySize)]
		var e gptEntry
		if err := restruct.Unpack(raw, binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("decoding GPT entry %d: %w", i, err)
		}
		if e.TypeGUID == [16]byte{} {
			continue
		}
		if e.LastLBA < e.FirstLBA {
			logger.Warn("part: GPT entry %d ends before it starts, skipping", i)
			continue
		}
		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			TypeGUID: guidFromDisk(e.TypeGUID),
			ID:       guidFromDisk(e.PartGUID),
			StartLBA: e.FirstLBA,
			SizeLBA:  e.LastLBA - e.FirstLBA + 1,
			Label:    decodeUTF16LE(raw[gptNameOffset:gptEntryMin]),
		})
	}
	return nil
}

// guidFromDisk converts the mixed-endian GUID layout used by GPT.
func guidFromDisk(b [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	for i, v := range u16s {
		if v == 0 {
			u16s = u16s[:i]
			break
		}
	}
	return string(utf16.Decode(u16s))
}

// Well-known partition types
var (
	mbrTypes = map[byte]string{
		0x01: "FAT12",
		0x04: "FAT16 <32M",
		0x06: "FAT16",
		0x0E: "FAT16 LBA",
		0x0B: "FAT32",
		0x0C: "FAT32 LBA",
		0x07: "NTFS/exFAT",
		0x82: "Linux swap",
		0x83: "Linux",
		0xEE: "GPT protective",
		0xEF: "EFI System",
	}
	gptTypes = map[uuid.UUID]string{
		uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"): "EFI System",
		uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4"): "Linux filesystem",
		uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"): "Microsoft basic data",
		uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"): "Linux swap",
	}
)

// TypeString returns a human-readable partition type
func (p *Partition) TypeString() string {
	if p.TypeGUID != uuid.Nil {
		if s, ok := gptTypes[p.TypeGUID]; ok {
			return s
		}
		return p.TypeGUID.String()
	}
	if s, ok := mbrTypes[p.Type]; ok {
		return s
	}
	return fmt.Sprintf("0x%02X", p.Type)
}
