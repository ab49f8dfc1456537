package ext

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
)

// unlink splices the record h out of its directory block.
//
// With a predecessor in the block, the predecessor's rec_len absorbs the
// record. A record that opens its block is instead overwritten by the record
// that follows it, whose rec_len then spans both slots. Every check runs
// against a fresh copy of the block before anything is written, and at most
// one write is issued.
func (f *FS) unlink(h *hit) error {
	bs := int(f.md.BlockSize)
	buf := make([]byte, bs)
	if err := fsys.ReadAt(f.s, buf, h.blockOff); err != nil {
		return fmt.Errorf("reading directory block: %w", err)
	}

	rel := int(h.off - h.blockOff)
	if rel < 0 || rel >= bs {
		return &fsys.InvariantViolationError{Off: h.off, Reason: "record lies outside its block"}
	}
	it := blockIter{buf: buf, base: h.blockOff, pos: rel}
	cur, err := it.next()
	if err != nil {
		return err
	}
	if cur.inode != h.inode || cur.recLen != h.recLen {
		return &fsys.InvariantViolationError{Off: h.off, Reason: "record changed since it was located"}
	}

	if h.prev != nil {
		return f.absorb(h.prev, cur, h.blockOff, bs)
	}
	if rel != 0 {
		return &fsys.InvariantViolationError{Off: h.off, Reason: "record without predecessor does not open its block"}
	}
	return f.promote(&it, cur)
}

// absorb grows prev over cur. Only the 2-byte rec_len of prev is written.
func (f *FS) absorb(prev, cur *dirent, blockOff int64, bs int) error {
	if prev.end() != cur.off {
		return &fsys.InvariantViolationError{Off: prev.off, Reason: "predecessor does not end where the record starts"}
	}
	merged := int(prev.recLen) + int(cur.recLen)
	if prev.off-blockOff+int64(merged) > int64(bs) {
		return &fsys.InvariantViolationError{Off: prev.off, Reason: fmt.Sprintf("merged rec_len %d overruns the block", merged)}
	}
	if err := checkRecLen(prev.off, merged); err != nil {
		return err
	}

	var field [2]byte
	binary.LittleEndian.PutUint16(field[:], uint16(merged))
	logger.Debug("ext: unlink %q: rec_len at %d grows %d -> %d", cur.name, prev.off, prev.recLen, merged)
	return fsys.WriteAt(f.s, field[:], prev.off+recLenOffset)
}

// promote moves the record after cur into cur's slot. it is positioned just
// past cur.
func (f *FS) promote(it *blockIter, cur *dirent) error {
	next, err := it.next()
	if err != nil {
		return err
	}
	if next == nil {
		return &fsys.InvariantViolationError{Off: cur.off, Reason: "record is the only one in its block"}
	}

	merged := int(cur.recLen) + int(next.recLen)
	if err := checkRecLen(cur.off, merged); err != nil {
		return err
	}
	record := rawDirent{
		Inode:    next.inode,
		RecLen:   uint16(merged),
		NameLen:  next.nameLen,
		FileType: next.fileType,
	}
	header, err := restruct.Pack(binary.LittleEndian, &record)
	if err != nil {
		return fmt.Errorf("encoding directory record: %w", err)
	}
	out := append(header, next.name...)
	if len(out) > int(cur.recLen) {
		return &fsys.InvariantViolationError{Off: cur.off, Reason: fmt.Sprintf("%d-byte successor does not fit the %d-byte slot", len(out), cur.recLen)}
	}

	logger.Debug("ext: unlink %q: promoting %q from %d to %d, rec_len %d", cur.name, next.name, next.off, cur.off, merged)
	return fsys.WriteAt(f.s, out, cur.off)
}

// checkRecLen rejects a merged length the 16-bit rec_len field cannot hold.
// Only a record spanning a whole 64 KiB block gets there.
func checkRecLen(off int64, merged int) error {
	if merged > math.MaxUint16 {
		return &fsys.InvariantViolationError{Off: off, Reason: fmt.Sprintf("merged rec_len %d does not fit in 16 bits", merged)}
	}
	return nil
}
