package ext

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/fsprobe/fsys"
)

const (
	direntHeaderLen = 8
	recLenOffset    = 4 // byte offset of rec_len within a record

	fileTypeUnknown = 0
	fileTypeDir     = 2
)

// rawDirent is the fixed header of a directory record.
type rawDirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

// dirent is a decoded directory record. off is absolute within the image.
type dirent struct {
	off      int64
	inode    uint32
	recLen   uint16
	nameLen  uint8
	fileType uint8
	name     string
}

func (d *dirent) end() int64 { return d.off + int64(d.recLen) }

// blockIter yields the records of one directory block in on-disk order.
// rec_len is the only link between records, so the iterator stops at the end
// of the block and never looks past it.
type blockIter struct {
	buf  []byte
	base int64 // image offset of buf[0]
	pos  int
}

// next decodes the record at the current position. It returns nil, nil once
// the block is exhausted.
func (it *blockIter) next() (*dirent, error) {
	if it.pos >= len(it.buf) {
		return nil, nil
	}
	off := it.base + int64(it.pos)
	if it.pos+direntHeaderLen > len(it.buf) {
		return nil, &fsys.InvariantViolationError{Off: off, Reason: "record header crosses the block end"}
	}

	var raw rawDirent
	if err := restruct.Unpack(it.buf[it.pos:it.pos+direntHeaderLen], binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("decoding directory record at %d: %w", off, err)
	}

	switch {
	case raw.RecLen < direntHeaderLen:
		return nil, &fsys.InvariantViolationError{Off: off, Reason: fmt.Sprintf("rec_len %d is shorter than a record header", raw.RecLen)}
	case it.pos+int(raw.RecLen) > len(it.buf):
		return nil, &fsys.InvariantViolationError{Off: off, Reason: fmt.Sprintf("rec_len %d overruns the block", raw.RecLen)}
	case direntHeaderLen+int(raw.NameLen) > int(raw.RecLen):
		return nil, &fsys.InvariantViolationError{Off: off, Reason: fmt.Sprintf("name of %d bytes does not fit rec_len %d", raw.NameLen, raw.RecLen)}
	}

	nameStart := it.pos + direntHeaderLen
	d := &dirent{
		off:      off,
		inode:    raw.Inode,
		recLen:   raw.RecLen,
		nameLen:  raw.NameLen,
		fileType: raw.FileType,
		name:     string(it.buf[nameStart : nameStart+int(raw.NameLen)]),
	}
	it.pos += int(raw.RecLen)
	return d, nil
}
