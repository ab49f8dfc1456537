// Package cmd implements the fsprobe commands. Everything here formats
// results for a terminal; decoding lives in the volume engines.
package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/lvdlvd/fsprobe/fsys/ext"
	"github.com/lvdlvd/fsprobe/fsys/fat"
	"github.com/lvdlvd/fsprobe/volume"
)

const timeLayout = "Monday _2 January 2006, 15:04:05"

// Info prints the volume metadata.
func Info(v *volume.Volume, out io.Writer) error {
	fmt.Fprintf(out, "\n------ Filesystem Information ------\n\n")
	if p := v.Partition(); p != nil {
		fmt.Fprintf(out, "Partition: %s (%s at LBA %d)\n\n", p.Name(), p.TypeString(), p.StartLBA)
	}
	switch md := v.Metadata().(type) {
	case ext.Metadata:
		printExt(md, out)
	case fat.Metadata:
		printFAT(md, out)
	default:
		return fmt.Errorf("no metadata for %s volumes", v.Type())
	}
	return nil
}

func printExt(md ext.Metadata, out io.Writer) {
	fmt.Fprintf(out, "Filesystem: %s\n\n", md.Variant)

	fmt.Fprintf(out, "INODE INFO\n")
	fmt.Fprintf(out, "Inode size: %d\n", md.InodeSize)
	fmt.Fprintf(out, "Inodes: %d\n", md.InodesCount)
	fmt.Fprintf(out, "First inode: %d\n", md.FirstInode)
	fmt.Fprintf(out, "Inodes per group: %d\n", md.InodesPerGroup)
	fmt.Fprintf(out, "Free inodes: %d\n\n", md.FreeInodes)

	fmt.Fprintf(out, "BLOCK INFO\n")
	fmt.Fprintf(out, "Block size: %d\n", md.BlockSize)
	fmt.Fprintf(out, "Reserved blocks: %d\n", md.ReservedBlocks)
	fmt.Fprintf(out, "Free blocks: %d\n", md.FreeBlocks)
	fmt.Fprintf(out, "Total blocks: %d\n", md.BlocksCount)
	fmt.Fprintf(out, "First data block: %d\n", md.FirstDataBlock)
	fmt.Fprintf(out, "Blocks per group: %d\n", md.BlocksPerGroup)
	fmt.Fprintf(out, "Frags per group: %d\n\n", md.FragsPerGroup)

	fmt.Fprintf(out, "VOLUME INFO\n")
	fmt.Fprintf(out, "Volume name: %s\n", md.VolumeName)
	fmt.Fprintf(out, "UUID: %s\n", md.UUID)
	fmt.Fprintf(out, "Revision: %d\n", md.RevLevel)
	fmt.Fprintf(out, "Last checked: %s\n", formatTime(md.LastChecked))
	fmt.Fprintf(out, "Last mounted: %s\n", formatTime(md.LastMounted))
	fmt.Fprintf(out, "Last written: %s\n", formatTime(md.LastWritten))
}

func printFAT(md fat.Metadata, out io.Writer) {
	fmt.Fprintf(out, "Filesystem: FAT16\n\n")
	fmt.Fprintf(out, "System name: %s\n", md.OEMName)
	fmt.Fprintf(out, "Sector size: %d\n", md.BytesPerSector)
	fmt.Fprintf(out, "Sectors per cluster: %d\n", md.SectorsPerCluster)
	fmt.Fprintf(out, "Reserved sectors: %d\n", md.ReservedSectors)
	fmt.Fprintf(out, "Number of FATs: %d\n", md.FATCount)
	fmt.Fprintf(out, "Root entries: %d\n", md.RootEntryCount)
	fmt.Fprintf(out, "Sectors per FAT: %d\n", md.SectorsPerFAT)
	fmt.Fprintf(out, "Total sectors: %d\n", md.TotalSectors)
	fmt.Fprintf(out, "Clusters: %d\n", md.ClusterCount)
	fmt.Fprintf(out, "Volume ID: %08X\n", md.VolumeID)
	fmt.Fprintf(out, "Volume label: %s\n", md.VolumeLabel)
}

func formatTime(t time.Time) string {
	if t.Unix() == 0 {
		return "never"
	}
	return t.Format(timeLayout)
}
