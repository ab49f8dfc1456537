package fsys

import (
	"fmt"
	"io"
	"sort"
)

func sortedExtents(extents []Extent) []Extent {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Logical < sorted[j].Logical })
	return sorted
}

// covering returns the index of the first extent ending after off, or
// len(extents). extents must be sorted and must not overlap.
func covering(extents []Extent, off int64) int {
	return sort.Search(len(extents), func(i int) bool {
		return extents[i].Logical+extents[i].Length > off
	})
}

// ComposeExtents maps outer extents, whose Physical offsets are logical
// offsets of inner, directly onto the physical offsets of inner. Parts of
// outer that land in holes of inner are dropped.
//
// If outer maps [0,100) -> [1000,1100) and inner maps [1000,1100) ->
// [5000,5100), the result maps [0,100) -> [5000,5100).
func ComposeExtents(outer, inner []Extent) []Extent {
	inner = sortedExtents(inner)
	var composed []Extent
	for _, o := range outer {
		lo, hi := o.Physical, o.Physical+o.Length
		for _, in := range inner[covering(inner, lo):] {
			if in.Logical >= hi {
				break
			}
			start := max(lo, in.Logical)
			end := min(hi, in.Logical+in.Length)
			composed = append(composed, Extent{
				Logical:  o.Logical + start - lo,
				Physical: in.Physical + start - in.Logical,
				Length:   end - start,
			})
		}
	}
	return composed
}

// ExtentReaderAt reads a file through its extents without loading it.
// Unmapped ranges below the file size read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent // sorted by Logical
	size    int64
}

// NewExtentReaderAt returns a reader over size bytes mapped by extents onto
// r. Stacking readers composes the mappings so reads go straight to the
// innermost store.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := sortedExtents(extents)
	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{r: inner.r, extents: ComposeExtents(sorted, inner.extents), size: size}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

func (e *ExtentReaderAt) Size() int64 { return e.size }

// Extents returns the extents backing the reader, sorted by logical offset
func (e *ExtentReaderAt) Extents() []Extent { return e.extents }

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= e.size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := e.size - off; int64(want) > rem {
		p = p[:rem]
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		chunk := p[n:]
		i := covering(e.extents, pos)

		if i == len(e.extents) || e.extents[i].Logical > pos {
			holeEnd := e.size
			if i < len(e.extents) {
				holeEnd = e.extents[i].Logical
			}
			if l := holeEnd - pos; int64(len(chunk)) > l {
				chunk = chunk[:l]
			}
			clear(chunk)
			n += len(chunk)
			continue
		}

		ext := e.extents[i]
		if l := ext.Logical + ext.Length - pos; int64(len(chunk)) > l {
			chunk = chunk[:l]
		}
		m, err := e.r.ReadAt(chunk, ext.Physical+pos-ext.Logical)
		n += m
		if m < len(chunk) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}

	if n < want {
		return n, io.EOF
	}
	return n, nil
}
