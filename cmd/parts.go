package cmd

import (
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/detect"
	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/fsys/part"
)

// Parts lists the partition table of a disk image.
func Parts(s fsys.Store, out io.Writer) error {
	kind, err := detect.Detect(s)
	if err != nil {
		return fmt.Errorf("detecting filesystem: %w", err)
	}
	if !kind.IsPartitionTable() {
		fmt.Fprintf(out, "No partition table (%s image)\n", kind)
		return nil
	}

	t, err := part.Read(s, kind)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s partitions: %d\n\n", t.Kind, len(t.Partitions))
	fmt.Fprintf(out, "%-6s %-20s %12s %8s %s\n", "NAME", "TYPE", "START", "SIZE", "LABEL")
	for _, p := range t.Partitions {
		label := p.Label
		if label == "" && p.Bootable {
			label = "(bootable)"
		}
		fmt.Fprintf(out, "%-6s %-20s %12d %8s %s\n",
			p.Name(), truncate(p.TypeString(), 20), p.StartLBA, formatSize(p.Size()), label)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "~"
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1fT", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1fG", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1fM", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1fK", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
