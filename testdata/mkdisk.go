//go:build ignore

// mkdisk writes sample images for trying fsprobe by hand:
//
//	go run testdata/mkdisk.go
//	fsprobe testdata/ext2.img find notes.txt
//	fsprobe -w testdata/ext2.img rm notes.txt
//	fsprobe testdata/gpt.img parts
//	fsprobe -p 1 testdata/gpt.img ls
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/lvdlvd/fsprobe/fixture"
)

func main() {
	if err := createExt2(); err != nil {
		fmt.Fprintf(os.Stderr, "ext2: %v\n", err)
	}
	if err := createFAT16(); err != nil {
		fmt.Fprintf(os.Stderr, "FAT16: %v\n", err)
	}
	if err := createGPT(); err != nil {
		fmt.Fprintf(os.Stderr, "GPT: %v\n", err)
	}
}

func createExt2() error {
	return os.WriteFile("testdata/ext2.img", sampleExt2().Bytes(), 0o644)
}

func sampleExt2() *fixture.Ext2 {
	b := fixture.NewExt2()
	b.VolumeName = "sample"

	docs := b.Mkdir(fixture.ExtRootInode, "docs")
	b.AddFile(docs, "notes.txt", []byte("remember to check the superblock\n"))
	b.AddFile(docs, "todo.md", []byte("- unlink\n- locate\n"))

	src := b.Mkdir(fixture.ExtRootInode, "src")
	b.AddFile(src, "main.c", []byte("int main(void) { return 0; }\n"))
	b.AddFile(fixture.ExtRootInode, "big.bin", bytes.Repeat([]byte{0xA5}, 5*fixture.ExtBlockSize+17))
	return b
}

func createFAT16() error {
	return os.WriteFile("testdata/fat16.img", sampleFAT16().Bytes(), 0o644)
}

func sampleFAT16() *fixture.FAT16 {
	b := fixture.NewFAT16()
	b.VolumeLabel = "SAMPLE"

	b.AddFile(0, "README", bytes.Repeat([]byte("fsprobe "), 128))
	games := b.Mkdir(0, "games")
	b.AddFile(games, "save.dat", []byte("level=3\n"))
	b.AddFile(games, "score.txt", bytes.Repeat([]byte{'9'}, 3*fixture.FATClusterSize+5))
	return b
}

// createGPT puts both sample volumes on one GPT disk.
func createGPT() error {
	img := fixture.GPT(
		fixture.DiskPart{TypeGUID: fixture.GUIDBasicData, Label: "data", Data: sampleFAT16().Bytes()},
		fixture.DiskPart{TypeGUID: fixture.GUIDLinuxFS, Label: "root", Data: sampleExt2().Bytes()},
	)
	return os.WriteFile("testdata/gpt.img", img, 0o644)
}
