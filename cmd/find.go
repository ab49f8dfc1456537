package cmd

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
	"github.com/lvdlvd/fsprobe/store"
	"github.com/lvdlvd/fsprobe/volume"
)

// Find reports the first file named name. A missing file is reported, not
// returned as an error.
func Find(v *volume.Volume, name string, out io.Writer) error {
	m, ok, err := v.Locate(name)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s: no such file\n", name)
		return nil
	}

	fmt.Fprintf(out, "Found %s\n", m.Path)
	fmt.Fprintf(out, "Size: %d bytes\n", m.Size)
	fmt.Fprintf(out, "Location: %d (%#x)\n", m.Location, m.Location)
	switch {
	case m.Inode != 0:
		fmt.Fprintf(out, "Inode: %d\n", m.Inode)
	case m.Cluster != 0:
		fmt.Fprintf(out, "Cluster: %d\n", m.Cluster)
	}
	if p := v.Partition(); p != nil && m.Size > 0 {
		r, _, err := v.OpenFile(name)
		if err != nil {
			logger.Debug("find: no image offset for %s: %v", m.Path, err)
			return nil
		}
		if ext := r.Extents(); len(ext) > 0 {
			fmt.Fprintf(out, "Image offset: %d (%#x) in %s\n", ext[0].Physical, ext[0].Physical, p.Name())
		}
	}
	return nil
}

type sizer interface {
	Size() int64
}

// Rm unlinks the first entry named name and prints the image digest before
// and after the change.
func Rm(v *volume.Volume, name string, out io.Writer) error {
	before, err := digest(v.Store())
	if err != nil {
		return err
	}

	if err := v.Unlink(name); err != nil {
		return err
	}
	logger.Info("removed %s from %s volume", name, v.Type())
	if f, ok := v.Store().(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing image: %w", err)
		}
	}

	after, err := digest(v.Store())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Removed %s\n", name)
	if before != "" {
		fmt.Fprintf(out, "Image digest before: %s\n", before)
		fmt.Fprintf(out, "Image digest after:  %s\n", after)
	}
	return nil
}

func digest(s fsys.Store) (string, error) {
	sz, ok := s.(sizer)
	if !ok {
		logger.Debug("store %T has no size, skipping digest", s)
		return "", nil
	}
	sum, err := store.Digest(s, sz.Size())
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}
