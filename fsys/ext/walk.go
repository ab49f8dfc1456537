package ext

import (
	"errors"
	"fmt"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

// hit is a live record together with where the walker found it: the start
// of its directory block and the record right before it in that block.
type hit struct {
	dirent
	path     string
	blockOff int64
	prev     *dirent // nil when the record is first in its block
}

type walker struct {
	f       *FS
	fn      func(h *hit, isDir bool) error
	visited map[uint32]bool
}

// walk calls fn for every live record below the root, depth-first in
// on-disk order. Directories are reported before their contents.
func (f *FS) walk(fn func(h *hit, isDir bool) error) error {
	w := &walker{f: f, fn: fn, visited: make(map[uint32]bool)}
	err := w.dir(rootInode, "")
	if errors.Is(err, fsys.SkipAll) {
		return nil
	}
	return err
}

func (w *walker) dir(ino uint32, path string) error {
	if w.visited[ino] {
		logger.Debug("ext: inode %d at %q already visited, not descending", ino, path)
		return nil
	}
	w.visited[ino] = true

	in, err := w.f.readInode(ino)
	if err != nil {
		return err
	}

	bs := int(w.f.md.BlockSize)
	buf := make([]byte, bs)
	nblocks := w.f.dataBlockCount(in)
	for i := int64(0); i < nblocks; i++ {
		off, err := w.f.dataBlockOffset(in, i)
		if err != nil {
			return fmt.Errorf("directory inode %d: %w", ino, err)
		}
		if off == 0 {
			continue
		}
		if err := fsys.ReadAt(w.f.s, buf, off); err != nil {
			return fmt.Errorf("reading block %d of directory inode %d: %w", i, ino, err)
		}
		if err := w.block(buf, off, path); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) block(buf []byte, off int64, path string) error {
	it := blockIter{buf: buf, base: off}
	var prev *dirent
	for {
		d, err := it.next()
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		if d.inode == 0 {
			prev = d
			continue
		}

		isDir, err := w.isDir(d)
		if err != nil {
			return err
		}
		h := &hit{dirent: *d, path: fsys.JoinPath(path, d.name), blockOff: off, prev: prev}
		if err := w.fn(h, isDir); err != nil {
			return err
		}
		if isDir && descend(d.name) {
			logger.Debug("ext: descending into %s (inode %d)", h.path, d.inode)
			if err := w.dir(d.inode, h.path); err != nil {
				return err
			}
		}
		prev = d
	}
}

// isDir trusts the record's file type and falls back to the inode mode on
// volumes without the filetype feature.
func (w *walker) isDir(d *dirent) (bool, error) {
	if d.fileType != fileTypeUnknown {
		return d.fileType == fileTypeDir, nil
	}
	in, err := w.f.readInode(d.inode)
	if err != nil {
		return false, err
	}
	return in.isDir(), nil
}

func descend(name string) bool {
	return name != "." && name != ".." && name != "lost+found"
}
