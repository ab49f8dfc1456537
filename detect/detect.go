// Package detect identifies the volume format of a raw image.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type represents a filesystem type
type Type int

const (
	Unknown Type = iota
	FAT16
	Ext2
	Ext3
	Ext4
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table
)

const (
	// BPB_FATSz16 of the FAT boot sector; the tool only accepts 16-sector FATs.
	fatSizeOffset = 22
	fatSignature  = 16

	extMagicOffset = 1024 + 56
	extMagic       = 0xEF53

	// Smallest image that holds both signature fields.
	minImageSize = extMagicOffset + 2

	mbrTableOffset = 446
	gptSignature   = "EFI PART"
)

func (t Type) String() string {
	switch t {
	case FAT16:
		return "FAT16"
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// IsFAT returns true if the type is the FAT variant
func (t Type) IsFAT() bool {
	return t == FAT16
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

// IsPartitionTable returns true if the type is a partition table
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

// Detect identifies the filesystem type from a reader. Both signature
// fields are read unconditionally; the ext magic is the stronger of the two
// and wins when both match. Unknown is returned with a nil error for images
// matching neither.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 2048)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < minImageSize {
		return Unknown, fmt.Errorf("image too small: %d bytes", n)
	}

	fatField := binary.LittleEndian.Uint16(header[fatSizeOffset : fatSizeOffset+2])
	extField := binary.LittleEndian.Uint16(header[extMagicOffset : extMagicOffset+2])

	if extField == extMagic {
		return detectExtVersion(header[1024:n]), nil
	}
	if fatField == fatSignature {
		return FAT16, nil
	}
	if bytes.Equal(header[512:520], []byte(gptSignature)) {
		return GPT, nil
	}
	if header[510] == 0x55 && header[511] == 0xAA && isMBRPartitionTable(header) {
		return MBR, nil
	}
	return Unknown, nil
}

// isMBRPartitionTable checks for at least one plausible entry in the table
// and for a sector that does not carry a FAT BPB.
func isMBRPartitionTable(header []byte) bool {
	switch binary.LittleEndian.Uint16(header[11:13]) {
	case 512, 1024, 2048, 4096:
		return false
	}

	valid := 0
	for i := 0; i < 4; i++ {
		entry := header[mbrTableOffset+i*16 : mbrTableOffset+(i+1)*16]
		if entry[0] != 0x00 && entry[0] != 0x80 {
			return false
		}
		if entry[4] == 0 {
			continue
		}
		if binary.LittleEndian.Uint32(entry[8:12]) == 0 || binary.LittleEndian.Uint32(entry[12:16]) == 0 {
			continue
		}
		valid++
	}
	return valid > 0
}

// detectExtVersion distinguishes between ext2, ext3, and ext4
// superblock is the data starting at byte 1024 of the image
func detectExtVersion(superblock []byte) Type {
	if len(superblock) < 0x64 {
		return Ext2
	}

	const (
		compatHasJournal = 0x0004
		incompatExtents  = 0x0040
		incompat64Bit    = 0x0080
		incompatFlexBG   = 0x0200
	)

	featureCompat := binary.LittleEndian.Uint32(superblock[0x5C:0x60])
	featureIncompat := binary.LittleEndian.Uint32(superblock[0x60:0x64])

	if featureIncompat&(incompatExtents|incompat64Bit|incompatFlexBG) != 0 {
		return Ext4
	}
	if featureCompat&compatHasJournal != 0 {
		return Ext3
	}
	return Ext2
}
