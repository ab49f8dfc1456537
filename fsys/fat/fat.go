// Package fat implements read-only lookup on FAT16-style volumes.
package fat

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

const bootSectorLen = 62

// bootSector mirrors the BIOS parameter block and the FAT16 extended boot
// record.
type bootSector struct {
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

// Metadata holds the decoded boot sector.
type Metadata struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	FATCount          uint8
	RootEntryCount    uint16
	SectorsPerFAT     uint16

	TotalSectors uint32
	Media        uint8
	OEMName      string
	VolumeID     uint32
	VolumeLabel  string
	FSType       string
	ClusterCount uint32
}

// FS is an open FAT16-style volume.
type FS struct {
	s   fsys.Store
	md  Metadata
	fat fatTable
}

// Open decodes the boot sector of the volume in s.
func Open(s fsys.Store) (*FS, error) {
	header := make([]byte, bootSectorLen)
	if err := fsys.ReadAt(s, header, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}

	var bs bootSector
	if err := restruct.Unpack(header, binary.LittleEndian, &bs); err != nil {
		return nil, fmt.Errorf("decoding boot sector: %w", err)
	}

	md, err := parseBootSector(&bs)
	if err != nil {
		return nil, err
	}

	f := &FS{s: s, md: md}
	f.fat = fatTable{
		r:           s,
		startOffset: int64(md.ReservedSectors) * int64(md.BytesPerSector),
		entries:     md.ClusterCount + 2,
	}
	return f, nil
}

func parseBootSector(bs *bootSector) (Metadata, error) {
	switch {
	case bs.BytesPerSector == 0:
		return Metadata{}, &fsys.ConfigError{Field: "bytes_per_sector", Reason: "is zero"}
	case bs.SectorsPerCluster == 0:
		return Metadata{}, &fsys.ConfigError{Field: "sectors_per_cluster", Reason: "is zero"}
	case bs.NumFATs == 0:
		return Metadata{}, &fsys.ConfigError{Field: "fat_count", Reason: "is zero"}
	case bs.FATSize16 == 0:
		return Metadata{}, &fsys.ConfigError{Field: "sectors_per_fat", Reason: "is zero (FAT32 layout)"}
	}

	md := Metadata{
		BytesPerSector:    bs.BytesPerSector,
		SectorsPerCluster: bs.SectorsPerCluster,
		ReservedSectors:   bs.ReservedSectors,
		FATCount:          bs.NumFATs,
		RootEntryCount:    bs.RootEntryCount,
		SectorsPerFAT:     bs.FATSize16,
		TotalSectors:      uint32(bs.TotalSectors16),
		Media:             bs.Media,
		OEMName:           strings.TrimRight(string(bs.OEMName[:]), " \x00"),
		VolumeID:          bs.VolumeID,
		VolumeLabel:       strings.TrimRight(string(bs.VolumeLabel[:]), " \x00"),
		FSType:            strings.TrimRight(string(bs.FSType[:]), " \x00"),
	}
	if md.TotalSectors == 0 {
		md.TotalSectors = bs.TotalSectors32
	}

	dataStart := uint32(md.ReservedSectors) + uint32(md.FATCount)*uint32(md.SectorsPerFAT) +
		(uint32(md.RootEntryCount)*dirEntrySize+uint32(md.BytesPerSector)-1)/uint32(md.BytesPerSector)
	if md.TotalSectors <= dataStart {
		return Metadata{}, &fsys.ConfigError{Field: "total_sectors", Reason: fmt.Sprintf("%d leaves no data region", md.TotalSectors)}
	}
	md.ClusterCount = (md.TotalSectors - dataStart) / uint32(md.SectorsPerCluster)

	return md, nil
}

func (f *FS) Type() string { return "FAT16" }
func (f *FS) Close() error { return nil }

// Metadata returns the decoded boot sector
func (f *FS) Metadata() Metadata { return f.md }

// Locate finds the first non-directory entry named name, depth-first from
// the root directory.
func (f *FS) Locate(name string) (fsys.Match, bool, error) {
	e, path, err := f.find(name)
	if err != nil || e == nil {
		return fsys.Match{}, false, err
	}
	loc, err := f.location(e.cluster)
	if err != nil {
		return fsys.Match{}, false, err
	}
	return fsys.Match{
		Path:     path,
		Name:     e.name,
		Size:     int64(e.size),
		Location: loc,
		Cluster:  e.cluster,
	}, true, nil
}

func (f *FS) find(name string) (*dirEntry, string, error) {
	var found *dirEntry
	var foundPath string
	err := f.walk(func(e *dirEntry, path string) error {
		if !e.isDir() && fsys.NameMatch(name, e.name) {
			found, foundPath = e, path
			return fsys.SkipAll
		}
		return nil
	})
	return found, foundPath, err
}

// Walk visits every live entry depth-first in on-disk order.
func (f *FS) Walk(fn fsys.WalkFunc) error {
	return f.walk(func(e *dirEntry, path string) error {
		loc, err := f.location(e.cluster)
		if err != nil {
			logger.Debug("fat: %s: no data location: %v", path, err)
			loc = 0
		}
		return fn(fsys.Entry{
			Path:     path,
			Name:     e.name,
			IsDir:    e.isDir(),
			Size:     int64(e.size),
			Location: loc,
			Cluster:  e.cluster,
			ModTime:  e.modTime,
		})
	})
}

// FileExtents returns the physical extents for the first file matching name
func (f *FS) FileExtents(name string) ([]fsys.Extent, int64, error) {
	e, _, err := f.find(name)
	if err != nil {
		return nil, 0, err
	}
	if e == nil {
		return nil, 0, fmt.Errorf("%s: %w", name, fsys.ErrNotFound)
	}
	extents, err := f.clusterChainExtents(e.cluster, int64(e.size))
	if err != nil {
		return nil, 0, err
	}
	return extents, int64(e.size), nil
}

// location is the reported offset of a file starting at cluster; empty
// files have no cluster and report 0.
func (f *FS) location(cluster uint32) (int64, error) {
	if cluster < firstCluster {
		return 0, nil
	}
	return f.clusterOffset(cluster)
}

func (f *FS) rootDirOffset() int64 {
	return (int64(f.md.ReservedSectors) + int64(f.md.FATCount)*int64(f.md.SectorsPerFAT)) * int64(f.md.BytesPerSector)
}

func (f *FS) dataRegionOffset() int64 {
	return f.rootDirOffset() + int64(f.md.RootEntryCount)*dirEntrySize
}

func (f *FS) clusterSize() int64 {
	return int64(f.md.SectorsPerCluster) * int64(f.md.BytesPerSector)
}

// clusterOffset maps a cluster number to its byte offset in the data
// region. Clusters 0 and 1 are reserved.
func (f *FS) clusterOffset(cluster uint32) (int64, error) {
	if cluster < firstCluster || cluster >= f.md.ClusterCount+firstCluster {
		return 0, &fsys.UnsupportedAddressingError{What: "cluster", Value: uint64(cluster)}
	}
	return int64(cluster-firstCluster)*f.clusterSize() + f.dataRegionOffset(), nil
}
