package cmd

import (
	"fmt"
	"io"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/volume"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
	All  bool // Include the . and .. entries (-a)
}

// Ls lists every entry of the volume depth-first, one path per line.
func Ls(v *volume.Volume, out io.Writer, opts LsOptions) error {
	return v.Walk(func(e fsys.Entry) error {
		if !opts.All && (e.Name == "." || e.Name == "..") {
			return nil
		}

		name := e.Path
		if e.IsDir {
			name += "/"
		}
		if !opts.Long {
			fmt.Fprintln(out, name)
			return nil
		}
		printLongFormat(e, name, out)
		return nil
	})
}

func printLongFormat(e fsys.Entry, name string, out io.Writer) {
	id := e.Inode
	if id == 0 {
		id = e.Cluster
	}
	kind := "-"
	if e.IsDir {
		kind = "d"
	}
	modTime := e.ModTime.Format("Jan _2 15:04")

	fmt.Fprintf(out, "%8d %s %12d %s %s\n", id, kind, e.Size, modTime, name)
}
