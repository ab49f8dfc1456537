package fat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

const (
	firstCluster = 2
	eofMin       = 0xFFF8
)

// fatTable reads entries of the first FAT copy.
type fatTable struct {
	r           io.ReaderAt
	startOffset int64
	entries     uint32 // valid cluster numbers are below this
}

// next returns the FAT16 entry for cluster, the number of the cluster that
// follows it in its chain.
func (t *fatTable) next(cluster uint32) (uint32, error) {
	buf := make([]byte, 2)
	if err := fsys.ReadAt(t.r, buf, t.startOffset+int64(cluster)*2); err != nil {
		return 0, fmt.Errorf("reading FAT entry %d: %w", cluster, err)
	}
	return uint32(binary.LittleEndian.Uint16(buf)), nil
}

func (t *fatTable) isEOF(cluster uint32) bool { return cluster >= eofMin }

// inChain reports whether v continues a chain. End markers, free and
// reserved values, bad-cluster marks and out-of-range numbers all end it.
func (t *fatTable) inChain(v uint32) bool {
	return !t.isEOF(v) && v >= firstCluster && v < t.entries
}

// follow calls visit for each cluster of the chain starting at start until
// visit declines, the chain ends, or the chain comes back to a cluster it
// already passed through.
func (t *fatTable) follow(start uint32, visit func(c uint32) (more bool, err error)) error {
	seen := make(map[uint32]bool)
	for c := start; ; {
		if seen[c] {
			logger.Warn("fat: cluster chain from %d loops at %d", start, c)
			return nil
		}
		seen[c] = true

		more, err := visit(c)
		if err != nil || !more {
			return err
		}
		next, err := t.next(c)
		if err != nil {
			return err
		}
		if !t.inChain(next) {
			return nil
		}
		c = next
	}
}

// clusterChainExtents maps the first size bytes of the chain at start,
// merging runs of physically adjacent clusters.
func (f *FS) clusterChainExtents(start uint32, size int64) ([]fsys.Extent, error) {
	if start < firstCluster || size <= 0 {
		return nil, nil
	}

	var extents []fsys.Extent
	var mapped int64
	cs := f.clusterSize()
	err := f.fat.follow(start, func(c uint32) (bool, error) {
		phys, err := f.clusterOffset(c)
		if err != nil {
			return false, err
		}
		n := min(cs, size-mapped)
		if k := len(extents) - 1; k >= 0 && extents[k].Physical+extents[k].Length == phys {
			extents[k].Length += n
		} else {
			extents = append(extents, fsys.Extent{Logical: mapped, Physical: phys, Length: n})
		}
		mapped += n
		return mapped < size, nil
	})
	if err != nil {
		return nil, err
	}
	if mapped < size {
		logger.Debug("fat: chain from %d maps %d of %d bytes", start, mapped, size)
	}
	return extents, nil
}
