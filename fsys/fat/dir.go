package fat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

const (
	dirEntrySize = 32

	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLFN       = 0x0F

	deletedMarker = 0xE5
	kanjiE5Marker = 0x05 // first byte 0xE5 stored escaped
)

// rawEntry mirrors a 32-byte short-name directory record.
type rawEntry struct {
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

// dirEntry is a decoded live record.
type dirEntry struct {
	name    string
	attr    uint8
	cluster uint32
	size    uint32
	modTime time.Time
	off     int64
}

func (e *dirEntry) isDir() bool { return e.attr&attrDirectory != 0 }

// isTerminator reports the end-of-directory record: a name field of zeros.
func isTerminator(rec []byte) bool {
	for _, b := range rec[:8] {
		if b != 0 {
			return false
		}
	}
	return true
}

// decodeEntry decodes rec. ok is false for records that are not entries:
// deleted slots, long-name fragments and volume labels.
func decodeEntry(rec []byte, off int64) (e *dirEntry, ok bool, err error) {
	if rec[0] == deletedMarker {
		return nil, false, nil
	}
	var raw rawEntry
	if err := restruct.Unpack(rec[:dirEntrySize], binary.LittleEndian, &raw); err != nil {
		return nil, false, fmt.Errorf("decoding directory record at %d: %w", off, err)
	}
	if raw.Attr == attrLFN || raw.Attr&attrVolumeID != 0 {
		return nil, false, nil
	}

	if raw.Name[0] == kanjiE5Marker {
		raw.Name[0] = deletedMarker
	}
	name := strings.TrimSpace(string(raw.Name[:]))
	if ext := strings.TrimSpace(string(raw.Ext[:])); ext != "" {
		name += "." + ext
	}

	return &dirEntry{
		name:    name,
		attr:    raw.Attr,
		cluster: uint32(raw.ClusterLo),
		size:    raw.Size,
		modTime: parseDOSDateTime(raw.WrtDate, raw.WrtTime),
		off:     off,
	}, true, nil
}

func parseDOSDateTime(dosDate, dosTime uint16) time.Time {
	year := int((dosDate>>9)&0x7F) + 1980
	month := time.Month((dosDate >> 5) & 0x0F)
	day := int(dosDate & 0x1F)
	hour := int((dosTime >> 11) & 0x1F)
	min := int((dosTime >> 5) & 0x3F)
	sec := int((dosTime & 0x1F) * 2)
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

type walker struct {
	f       *FS
	fn      func(e *dirEntry, path string) error
	visited map[uint32]bool
}

// walk calls fn for every live entry, depth-first in on-disk order,
// starting at the fixed root directory region.
func (f *FS) walk(fn func(e *dirEntry, path string) error) error {
	w := &walker{f: f, fn: fn, visited: make(map[uint32]bool)}
	_, err := w.region(f.rootDirOffset(), int64(f.md.RootEntryCount)*dirEntrySize, "")
	if errors.Is(err, fsys.SkipAll) {
		return nil
	}
	return err
}

// dir scans the sub-directory whose chain starts at start.
func (w *walker) dir(start uint32, path string) error {
	if start < firstCluster {
		logger.Debug("fat: directory %s has no cluster, skipping", path)
		return nil
	}
	return w.f.fat.follow(start, func(c uint32) (bool, error) {
		if w.visited[c] {
			logger.Debug("fat: cluster %d at %s already visited, not descending", c, path)
			return false, nil
		}
		w.visited[c] = true

		off, err := w.f.clusterOffset(c)
		if err != nil {
			return false, fmt.Errorf("directory %s: %w", path, err)
		}
		done, err := w.region(off, w.f.clusterSize(), path)
		return !done, err
	})
}

// region scans the records in [off, off+n). done is true once the
// terminator record has been seen.
func (w *walker) region(off, n int64, path string) (done bool, err error) {
	buf := make([]byte, n)
	if err := fsys.ReadAt(w.f.s, buf, off); err != nil {
		return true, fmt.Errorf("reading directory %q: %w", path, err)
	}

	for pos := int64(0); pos+dirEntrySize <= n; pos += dirEntrySize {
		rec := buf[pos : pos+dirEntrySize]
		if isTerminator(rec) {
			return true, nil
		}
		e, ok, err := decodeEntry(rec, off+pos)
		if err != nil {
			return true, err
		}
		if !ok {
			continue
		}

		p := fsys.JoinPath(path, e.name)
		if err := w.fn(e, p); err != nil {
			return true, err
		}
		if e.isDir() && e.name != "." && e.name != ".." {
			logger.Debug("fat: descending into %s (cluster %d)", p, e.cluster)
			if err := w.dir(e.cluster, p); err != nil {
				return true, err
			}
		}
	}
	return false, nil
}
