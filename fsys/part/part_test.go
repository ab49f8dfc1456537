package part

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/fsprobe/detect"
	"github.com/lvdlvd/fsprobe/fixture"
	"github.com/lvdlvd/fsprobe/fsys"
)

func disk(t *testing.T, img []byte) (*bytes.Reader, detect.Type) {
	t.Helper()
	r := bytes.NewReader(img)
	kind, err := detect.Detect(r)
	require.NoError(t, err)
	return r, kind
}

func TestReadMBR(t *testing.T) {
	parts := []fixture.DiskPart{
		{Type: 0x06, Data: fixture.NewFAT16().Bytes()},
		{Type: 0x83, Data: fixture.NewExt2().Bytes()},
	}
	r, kind := disk(t, fixture.MBR(parts...))
	require.Equal(t, detect.MBR, kind)

	tbl, err := Read(r, kind)
	require.NoError(t, err)
	require.Len(t, tbl.Partitions, 2)

	p0, p1 := tbl.Partitions[0], tbl.Partitions[1]
	assert.Equal(t, "p0", p0.Name())
	assert.True(t, p0.Bootable)
	assert.Equal(t, "FAT16", p0.TypeString())
	assert.Equal(t, int64(fixture.DiskFirstLBA*fixture.SectorSize), p0.Offset())
	assert.Equal(t, int64(len(parts[0].Data)), p0.Size())

	assert.False(t, p1.Bootable)
	assert.Equal(t, "Linux", p1.TypeString())
	assert.Equal(t, fixture.PartStartLBA(parts, 1), p1.StartLBA)
	assert.Equal(t, uuid.Nil, p1.TypeGUID)
}

func TestReadGPT(t *testing.T) {
	parts := []fixture.DiskPart{
		{TypeGUID: fixture.GUIDBasicData, Label: "usb stick", Data: fixture.NewFAT16().Bytes()},
		{TypeGUID: fixture.GUIDLinuxFS, Label: "root", Data: fixture.NewExt2().Bytes()},
	}
	r, kind := disk(t, fixture.GPT(parts...))
	require.Equal(t, detect.GPT, kind)

	tbl, err := Read(r, kind)
	require.NoError(t, err)
	require.Len(t, tbl.Partitions, 2)

	p0, p1 := tbl.Partitions[0], tbl.Partitions[1]
	assert.Equal(t, "usb stick", p0.Label)
	assert.Equal(t, fixture.GUIDBasicData, p0.TypeGUID)
	assert.Equal(t, "Microsoft basic data", p0.TypeString())
	assert.NotEqual(t, p0.ID, p1.ID)

	assert.Equal(t, "root", p1.Label)
	assert.Equal(t, "Linux filesystem", p1.TypeString())
	assert.Equal(t, fixture.PartStartLBA(parts, 1), p1.StartLBA)
	assert.Equal(t, int64(len(parts[1].Data)), p1.Size())
}

func TestReadGPTRejectsBadHeader(t *testing.T) {
	img := fixture.GPT(fixture.DiskPart{TypeGUID: fixture.GUIDLinuxFS, Data: make([]byte, 4096)})
	img[fixture.SectorSize+84] = 16 // entry size

	_, err := Read(bytes.NewReader(img), detect.GPT)
	var cfgErr *fsys.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "gpt_entry_size", cfgErr.Field)
}

func TestReadRejectsFilesystems(t *testing.T) {
	_, err := Read(bytes.NewReader(fixture.NewExt2().Bytes()), detect.Ext2)
	assert.Error(t, err)
}

func TestGUIDByteOrder(t *testing.T) {
	raw := [16]byte{0xAF, 0x3D, 0xC6, 0x0F, 0x83, 0x84, 0x72, 0x47, 0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4}
	assert.Equal(t, fixture.GUIDLinuxFS, guidFromDisk(raw))
}
