package cmd

import (
	"io"

	"github.com/lvdlvd/fsprobe/volume"
)

// Cat copies the contents of the first file named name to out. Data is
// streamed from the image through the file's extents, never loaded whole.
func Cat(v *volume.Volume, name string, out io.Writer) error {
	r, size, err := v.OpenFile(name)
	if err != nil {
		return err
	}
	return streamFromReaderAt(r, size, out)
}

// streamFromReaderAt copies data from a ReaderAt to a Writer in chunks
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)

	for offset := int64(0); offset < size; {
		toRead := int64(bufSize)
		if offset+toRead > size {
			toRead = size - offset
		}

		n, err := r.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}
