package ext

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/fsprobe/config"
	"github.com/lvdlvd/fsprobe/fixture"
	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
	"github.com/lvdlvd/fsprobe/store"
)

const (
	docsInode  = 13
	notesInode = 20 // second block group
)

var notes = bytes.Repeat([]byte("n"), 42)

func openImage(t *testing.T, img []byte) (*FS, *store.Mem) {
	t.Helper()
	m := store.NewMem(img)
	f, err := Open(m)
	require.NoError(t, err)
	return f, m
}

var blockSizes = []int{1024, 4096}

// scenarioB: / holds docs (inode 13), docs holds notes.txt (inode 20).
func scenarioB() *fixture.Ext2 { return scenarioBBlocks(fixture.ExtBlockSize) }

func scenarioBBlocks(bs int) *fixture.Ext2 {
	b := fixture.NewExt2Blocks(bs)
	b.MkdirAt(fixture.ExtRootInode, docsInode, "docs")
	b.AddFileAt(docsInode, notesInode, "notes.txt", notes)
	return b
}

// scenarioC lays out docs as ".", "notes.txt", "..", "todo.md" so that
// notes.txt directly follows ".".
func scenarioC() *fixture.Ext2 { return scenarioCBlocks(fixture.ExtBlockSize) }

func scenarioCBlocks(bs int) *fixture.Ext2 {
	b := fixture.NewExt2Blocks(bs)
	b.MkdirBare(fixture.ExtRootInode, docsInode, "docs")
	b.AddEntry(docsInode, docsInode, ".", fixture.FileTypeDir)
	b.AddFileAt(docsInode, notesInode, "notes.txt", notes)
	b.AddEntry(docsInode, fixture.ExtRootInode, "..", fixture.FileTypeDir)
	b.AddFile(docsInode, "todo.md", []byte("- unlink\n"))
	return b
}

func records(t *testing.T, img []byte, blk uint32) []*dirent {
	t.Helper()
	bs := int64(1024) << binary.LittleEndian.Uint32(img[1024+24:])
	off := int64(blk) * bs
	it := blockIter{buf: img[off : off+bs], base: off}
	var out []*dirent
	for {
		d, err := it.next()
		require.NoError(t, err)
		if d == nil {
			return out
		}
		out = append(out, d)
	}
}

func recLenSum(t *testing.T, img []byte, blk uint32) int {
	t.Helper()
	sum := 0
	for _, d := range records(t, img, blk) {
		sum += int(d.recLen)
	}
	return sum
}

func find(t *testing.T, recs []*dirent, name string) *dirent {
	t.Helper()
	for _, d := range recs {
		if d.name == name {
			return d
		}
	}
	t.Fatalf("no record named %q", name)
	return nil
}

func TestOpenMetadata(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())
	md := f.Metadata()

	assert.Equal(t, "ext2", f.Type())
	assert.Equal(t, uint32(1024), md.BlockSize)
	assert.Equal(t, uint16(128), md.InodeSize)
	assert.Equal(t, uint32(fixture.ExtInodesPerGroup), md.InodesPerGroup)
	assert.Equal(t, uint32(1), md.FirstDataBlock)
	assert.Equal(t, uint32(11), md.FirstInode)
	assert.Equal(t, uint32(32), md.InodesCount)
	assert.Equal(t, "fixture", md.VolumeName)
	assert.Equal(t, "5a1e0b7c-4211-4e8a-9d03-6f21c45890ee", md.UUID.String())
	assert.Equal(t, time.Unix(fixture.ExtMtime, 0).UTC(), md.LastWritten)
}

func TestOpenRejectsDegenerateMetadata(t *testing.T) {
	tests := []struct {
		name  string
		off   int
		value uint32
		field string
	}{
		{"zero inodes per group", 40, 0, "inodes_per_group"},
		{"huge blocks", 24, 7, "log_block_size"},
		{"odd inode size", 88, 100, "inode_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := scenarioB().Bytes()
			if tt.field == "inode_size" {
				binary.LittleEndian.PutUint16(img[1024+tt.off:], uint16(tt.value))
			} else {
				binary.LittleEndian.PutUint32(img[1024+tt.off:], tt.value)
			}
			_, err := Open(store.NewMem(img))
			var cfgErr *fsys.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("bad magic", func(t *testing.T) {
		img := scenarioB().Bytes()
		img[1024+56] = 0
		_, err := Open(store.NewMem(img))
		require.Error(t, err)
	})
}

func TestInodeOffset(t *testing.T) {
	for _, bs := range blockSizes {
		t.Run(fmt.Sprintf("%d-byte blocks", bs), func(t *testing.T) {
			b := scenarioBBlocks(bs)
			f, _ := openImage(t, b.Bytes())
			assert.Equal(t, uint32(bs), f.Metadata().BlockSize)
			if bs == 1024 {
				assert.Equal(t, uint32(1), f.Metadata().FirstDataBlock)
			} else {
				assert.Equal(t, uint32(0), f.Metadata().FirstDataBlock)
			}

			for _, ino := range []uint32{2, 11, docsInode, notesInode, 32} {
				off, err := f.inodeOffset(ino)
				require.NoError(t, err)
				assert.Equal(t, b.InodeOffset(ino), off, "inode %d", ino)
			}
		})
	}

	f, _ := openImage(t, scenarioB().Bytes())

	var addrErr *fsys.UnsupportedAddressingError
	_, err := f.inodeOffset(0)
	assert.True(t, errors.As(err, &addrErr))
	_, err = f.inodeOffset(33)
	assert.True(t, errors.As(err, &addrErr))

	// a descriptor past the single descriptor-table block
	f.md.InodesCount = 0
	_, err = f.inodeOffset(fixture.ExtInodesPerGroup*40 + 1)
	require.True(t, errors.As(err, &addrErr))
	assert.Equal(t, "block group", addrErr.What)

	f.md.InodesPerGroup = 0
	_, err = f.inodeOffset(2)
	var cfgErr *fsys.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestDataBlockOffsetDirectOnly(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())
	in, err := f.readInode(notesInode)
	require.NoError(t, err)

	off, err := f.dataBlockOffset(in, 0)
	require.NoError(t, err)
	assert.NotZero(t, off)
	assert.Equal(t, int64(1), f.dataBlockCount(in))

	var addrErr *fsys.UnsupportedAddressingError
	_, err = f.dataBlockOffset(in, 12)
	assert.True(t, errors.As(err, &addrErr))

	in.Flags |= inodeFlagExtents
	_, err = f.dataBlockOffset(in, 0)
	assert.True(t, errors.As(err, &addrErr))
}

func TestLocateScenarioB(t *testing.T) {
	for _, bs := range blockSizes {
		t.Run(fmt.Sprintf("%d-byte blocks", bs), func(t *testing.T) {
			img := scenarioBBlocks(bs).Bytes()
			f, _ := openImage(t, img)

			m, ok, err := f.Locate("notes.txt")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "docs/notes.txt", m.Path)
			assert.Equal(t, int64(42), m.Size)
			assert.Equal(t, uint32(notesInode), m.Inode)
			assert.Zero(t, m.Location%int64(bs))
			assert.Equal(t, notes, img[m.Location:m.Location+42])
		})
	}
}

func TestLocateIgnoresCase(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())

	lower, ok, err := f.Locate("notes.txt")
	require.NoError(t, err)
	require.True(t, ok)
	upper, ok, err := f.Locate("NOTES.TXT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lower, upper)
}

func TestLocateIsReadOnly(t *testing.T) {
	f, m := openImage(t, scenarioB().Bytes())
	before, err := store.Digest(m, m.Size())
	require.NoError(t, err)

	first, _, err := f.Locate("notes.txt")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, ok, err := f.Locate("notes.txt")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first, again)
	}
	_, _, err = f.Locate("missing")
	require.NoError(t, err)

	after, err := store.Digest(m, m.Size())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, m.Writes())
}

func TestLocateSkipsDirectories(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())

	for _, name := range []string{"docs", "DOCS", "lost+found", ".", ".."} {
		_, ok, err := f.Locate(name)
		require.NoError(t, err)
		assert.False(t, ok, name)
	}
}

func TestLocateNotFound(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())
	m, ok, err := f.Locate("absent.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, fsys.Match{}, m)
}

func TestLocateDepthFirst(t *testing.T) {
	b := fixture.NewExt2()
	a := b.Mkdir(fixture.ExtRootInode, "a")
	nested := b.AddFile(a, "x.txt", []byte("nested"))
	b.AddFile(fixture.ExtRootInode, "x.txt", []byte("top"))
	f, _ := openImage(t, b.Bytes())

	m, ok, err := f.Locate("x.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a/x.txt", m.Path)
	assert.Equal(t, nested, m.Inode)
}

func TestLocateAcrossDirectoryBlocks(t *testing.T) {
	b := scenarioB()
	b.BlockBreak(docsInode)
	b.AddFile(docsInode, "late.txt", []byte("second block"))
	f, _ := openImage(t, b.Bytes())

	m, ok, err := f.Locate("late.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), m.Size)
}

func TestLocateFallsBackToInodeMode(t *testing.T) {
	b := fixture.NewExt2()
	plain := b.Mkdir(fixture.ExtRootInode, "plain")
	b.AddFile(plain, "inner.txt", []byte("x"))
	img := b.Bytes()

	// clear the file type of the "plain" record as on a volume without
	// the filetype feature
	root := b.DirBlocks(fixture.ExtRootInode)[0]
	rec := find(t, records(t, img, root), "plain")
	img[rec.off+7] = fixture.FileTypeUnknown

	f, _ := openImage(t, img)
	m, ok, err := f.Locate("inner.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "plain/inner.txt", m.Path)

	_, ok, err = f.Locate("plain")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkStopsAtCycles(t *testing.T) {
	b := scenarioB()
	b.AddEntry(docsInode, fixture.ExtRootInode, "loop", fixture.FileTypeDir)
	b.AddEntry(docsInode, docsInode, "self", fixture.FileTypeDir)
	f, _ := openImage(t, b.Bytes())

	var paths []string
	require.NoError(t, f.Walk(func(e fsys.Entry) error {
		paths = append(paths, e.Path)
		return nil
	}))
	assert.Contains(t, paths, "docs/loop")
	assert.Contains(t, paths, "docs/self")
	assert.NotContains(t, paths, "docs/loop/docs")
	assert.NotContains(t, paths, "docs/self/notes.txt")

	_, ok, err := f.Locate("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkReportsEntries(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())

	var got []fsys.Entry
	require.NoError(t, f.Walk(func(e fsys.Entry) error {
		got = append(got, e)
		return nil
	}))

	var names []string
	for _, e := range got {
		names = append(names, e.Path)
	}
	assert.Equal(t, []string{
		".", "..",
		"lost+found", "lost+found/.", "lost+found/..",
		"docs", "docs/.", "docs/..", "docs/notes.txt",
	}, names)

	last := got[len(got)-1]
	assert.False(t, last.IsDir)
	assert.Equal(t, int64(42), last.Size)
	assert.Equal(t, time.Unix(fixture.ExtMtime, 0).UTC(), last.ModTime)
	assert.True(t, got[5].IsDir)
}

func TestWalkSkipAll(t *testing.T) {
	f, _ := openImage(t, scenarioB().Bytes())
	n := 0
	err := f.Walk(func(e fsys.Entry) error {
		n++
		return fsys.SkipAll
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMalformedRecLen(t *testing.T) {
	b := scenarioB()
	img := b.Bytes()
	blk := b.DirBlocks(docsInode)[0]
	rec := find(t, records(t, img, blk), "..")
	binary.LittleEndian.PutUint16(img[rec.off+recLenOffset:], 3)

	f, m := openImage(t, img)
	_, _, err := f.Locate("notes.txt")
	var inv *fsys.InvariantViolationError
	require.True(t, errors.As(err, &inv), "got %v", err)
	assert.Equal(t, rec.off, inv.Off)

	err = f.Unlink("notes.txt")
	assert.True(t, errors.As(err, &inv))
	assert.Zero(t, m.Writes())
}

func TestUnlinkScenarioC(t *testing.T) {
	for _, bs := range blockSizes {
		t.Run(fmt.Sprintf("%d-byte blocks", bs), func(t *testing.T) {
			b := scenarioCBlocks(bs)
			img := b.Bytes()
			f, m := openImage(t, img)
			blk := b.DirBlocks(docsInode)[0]

			before := records(t, img, blk)
			require.Equal(t, ".", before[0].name)
			require.Equal(t, "notes.txt", before[1].name)
			dot, victim := before[0], before[1]

			todo, ok, err := f.Locate("todo.md")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, f.Unlink("notes.txt"))
			assert.Equal(t, 1, m.Writes())

			after := records(t, img, blk)
			assert.Equal(t, bs, recLenSum(t, img, blk))
			assert.Equal(t, ".", after[0].name)
			assert.Equal(t, uint32(docsInode), after[0].inode)
			assert.Equal(t, dot.recLen+victim.recLen, after[0].recLen)
			assert.Equal(t, "..", after[1].name)

			_, ok, err = f.Locate("notes.txt")
			require.NoError(t, err)
			assert.False(t, ok)

			again, ok, err := f.Locate("todo.md")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, todo, again)

			// "." still decodes as the directory's own record
			var dots []fsys.Entry
			require.NoError(t, f.Walk(func(e fsys.Entry) error {
				if e.Path == "docs/." {
					dots = append(dots, e)
				}
				return nil
			}))
			require.Len(t, dots, 1)
			assert.Equal(t, uint32(docsInode), dots[0].Inode)
		})
	}
}

// A 64 KiB block whose first record absorbs the rest would need rec_len
// 65536, which the field cannot hold.
func TestUnlinkRecLenOverflow(t *testing.T) {
	const bs = 1 << 16
	put := func(img []byte, off int, ino uint32, recLen uint16, name string) {
		binary.LittleEndian.PutUint32(img[off:], ino)
		binary.LittleEndian.PutUint16(img[off+4:], recLen)
		img[off+6] = byte(len(name))
		img[off+7] = fixture.FileTypeRegular
		copy(img[off+8:], name)
	}
	block := func() ([]byte, *dirent, *dirent) {
		img := make([]byte, 2*bs)
		put(img, bs, 12, 16, "a")
		put(img, bs+16, 13, bs-16, "b")
		it := blockIter{buf: img[bs:], base: bs}
		a, err := it.next()
		require.NoError(t, err)
		b, err := it.next()
		require.NoError(t, err)
		return img, a, b
	}

	t.Run("absorb", func(t *testing.T) {
		img, a, b := block()
		m := store.NewMem(img)
		f := &FS{s: m, md: Metadata{BlockSize: bs}}
		err := f.unlink(&hit{dirent: *b, blockOff: bs, prev: a})
		var inv *fsys.InvariantViolationError
		require.True(t, errors.As(err, &inv), "got %v", err)
		assert.Zero(t, m.Writes())
	})

	t.Run("promote", func(t *testing.T) {
		img, a, _ := block()
		m := store.NewMem(img)
		f := &FS{s: m, md: Metadata{BlockSize: bs}}
		err := f.unlink(&hit{dirent: *a, blockOff: bs})
		var inv *fsys.InvariantViolationError
		require.True(t, errors.As(err, &inv), "got %v", err)
		assert.Zero(t, m.Writes())
	})
}

func TestUnlinkLastInBlock(t *testing.T) {
	b := scenarioC()
	img := b.Bytes()
	f, _ := openImage(t, img)
	blk := b.DirBlocks(docsInode)[0]

	require.NoError(t, f.Unlink("todo.md"))
	recs := records(t, img, blk)
	assert.Equal(t, "..", recs[len(recs)-1].name)
	assert.Equal(t, fixture.ExtBlockSize, recLenSum(t, img, blk))

	_, ok, err := f.Locate("notes.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlinkFirstInBlock(t *testing.T) {
	b := scenarioB()
	b.BlockBreak(docsInode)
	b.AddFile(docsInode, "a.txt", []byte("first"))
	bIno := b.AddFile(docsInode, "b.txt", []byte("second"))
	b.AddFile(docsInode, "c.txt", []byte("third"))
	img := b.Bytes()
	f, m := openImage(t, img)
	blk := b.DirBlocks(docsInode)[1]

	before := records(t, img, blk)
	bLoc, ok, err := f.Locate("b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	cLoc, _, err := f.Locate("c.txt")
	require.NoError(t, err)

	require.NoError(t, f.Unlink("A.TXT"))
	assert.Equal(t, 1, m.Writes())

	after := records(t, img, blk)
	require.Len(t, after, 2)
	assert.Equal(t, "b.txt", after[0].name)
	assert.Equal(t, bIno, after[0].inode)
	assert.Equal(t, before[0].off, after[0].off)
	assert.Equal(t, before[0].recLen+before[1].recLen, after[0].recLen)
	assert.Equal(t, "c.txt", after[1].name)
	assert.Equal(t, fixture.ExtBlockSize, recLenSum(t, img, blk))

	_, ok, err = f.Locate("a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := f.Locate("b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bLoc, got)
	got, _, err = f.Locate("c.txt")
	require.NoError(t, err)
	assert.Equal(t, cLoc, got)
}

func TestUnlinkRejections(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *fixture.Ext2)
	}{
		{"only record in its block", func(b *fixture.Ext2) {
			b.BlockBreak(docsInode)
			b.AddFile(docsInode, "solo.txt", []byte("alone"))
		}},
		{"successor larger than the slot", func(b *fixture.Ext2) {
			b.BlockBreak(docsInode)
			b.AddFile(docsInode, "solo.txt", []byte("alone"))
			b.AddFile(docsInode, "a-rather-long-successor-name.txt", []byte("x"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := scenarioB()
			tt.build(b)
			img := b.Bytes()
			pristine := append([]byte(nil), img...)
			f, m := openImage(t, img)

			err := f.Unlink("solo.txt")
			var inv *fsys.InvariantViolationError
			require.True(t, errors.As(err, &inv), "got %v", err)
			assert.Zero(t, m.Writes())
			assert.Equal(t, pristine, img)

			_, ok, err := f.Locate("solo.txt")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestUnlinkMissing(t *testing.T) {
	f, m := openImage(t, scenarioB().Bytes())
	err := f.Unlink("absent.txt")
	assert.ErrorIs(t, err, fsys.ErrNotFound)
	assert.Zero(t, m.Writes())
}

func TestUnlinkThenUnlinkAgain(t *testing.T) {
	b := scenarioC()
	img := b.Bytes()
	f, _ := openImage(t, img)
	blk := b.DirBlocks(docsInode)[0]

	require.NoError(t, f.Unlink("notes.txt"))
	require.NoError(t, f.Unlink("todo.md"))
	assert.Equal(t, fixture.ExtBlockSize, recLenSum(t, img, blk))
	assert.ErrorIs(t, f.Unlink("notes.txt"), fsys.ErrNotFound)

	recs := records(t, img, blk)
	require.Len(t, recs, 2)
	assert.Equal(t, ".", recs[0].name)
	assert.Equal(t, "..", recs[1].name)
}

func TestFileExtents(t *testing.T) {
	b := scenarioB()
	big := bytes.Repeat([]byte{0x5A}, 5*fixture.ExtBlockSize+17)
	b.AddFile(fixture.ExtRootInode, "big.bin", big)
	b.AddFile(fixture.ExtRootInode, "huge.bin", make([]byte, 13*fixture.ExtBlockSize))
	img := b.Bytes()
	f, _ := openImage(t, img)

	extents, size, err := f.FileExtents("big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(big)), size)
	require.Len(t, extents, 1)
	assert.Equal(t, int64(len(big)), extents[0].Length)

	r := fsys.NewExtentReaderAt(store.NewMem(img), extents, size)
	got := make([]byte, size)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	_, _, err = f.FileExtents("huge.bin")
	var addrErr *fsys.UnsupportedAddressingError
	assert.True(t, errors.As(err, &addrErr))

	_, _, err = f.FileExtents("absent")
	assert.ErrorIs(t, err, fsys.ErrNotFound)
}

func TestWalkLogsUnmappedFile(t *testing.T) {
	b := scenarioB()
	img := b.Bytes()
	flags := b.InodeOffset(notesInode) + 32
	binary.LittleEndian.PutUint32(img[flags:], inodeFlagExtents)
	f, _ := openImage(t, img)

	var logs bytes.Buffer
	logger.SetOutput(&logs)
	logger.SetLevel(config.LogLevelDebug)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(config.LogLevelInfo)
	})

	var notesEntry *fsys.Entry
	require.NoError(t, f.Walk(func(e fsys.Entry) error {
		if e.Path == "docs/notes.txt" {
			notesEntry = &e
		}
		return nil
	}))
	require.NotNil(t, notesEntry)
	assert.Zero(t, notesEntry.Location)
	assert.Contains(t, logs.String(), "ext: docs/notes.txt: no data location")
}
