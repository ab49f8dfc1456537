// fsprobe - Inspect FAT16 and ext2 images without mounting them
//
// Usage:
//
//	fsprobe [flags] <image> info
//	fsprobe [flags] <image> find <name>
//	fsprobe [flags] <image> rm <name>
//	fsprobe [flags] <image> ls [-l] [-a]
//	fsprobe [flags] <image> cat <name>
//	fsprobe [flags] <image> parts
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/lvdlvd/fsprobe/cmd"
	"github.com/lvdlvd/fsprobe/config"
	"github.com/lvdlvd/fsprobe/fsys"
	"github.com/lvdlvd/fsprobe/logger"
	"github.com/lvdlvd/fsprobe/store"
	"github.com/lvdlvd/fsprobe/volume"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := flag.NewFlagSet("fsprobe", flag.ContinueOnError)
	flags.SetOutput(stderr)
	verbose := flags.Bool("v", false, "log debug traces to stderr")
	xtsKey := flags.String("xts-key", "", "hex AES-XTS key of an encrypted image")
	xtsSector := flags.Int("xts-sector", cfg.XTSSector, "XTS sector size in bytes")
	allowWrite := flags.Bool("w", cfg.AllowWrite, "allow rm to modify the image")
	partition := flags.Int("p", cfg.Partition, "partition index of a partitioned disk (-1: first supported)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *verbose {
		cfg.LogLevel = config.LogLevelDebug
	}
	if *xtsKey != "" {
		if cfg.XTSKey, err = config.ParseKey(*xtsKey); err != nil {
			return fmt.Errorf("-xts-key: %w", err)
		}
	}
	cfg.XTSSector = *xtsSector
	cfg.AllowWrite = *allowWrite
	cfg.Partition = *partition
	logger.SetOutput(stderr)
	logger.SetLevel(cfg.LogLevel)

	if flags.NArg() < 2 {
		return fmt.Errorf("usage: fsprobe [flags] <image> <command> [args]")
	}
	imagePath := flags.Arg(0)
	command := flags.Arg(1)
	cmdArgs := flags.Args()[2:]

	writable := command == "rm"
	if writable && !cfg.AllowWrite {
		return fmt.Errorf("rm modifies the image; pass -w or set FSPROBE_ALLOW_WRITE=true")
	}

	file, err := store.Open(imagePath, writable)
	if err != nil {
		return err
	}
	defer file.Close()

	var s fsys.Store = file
	if cfg.XTSKey != nil {
		s, err = store.NewXTS(file, cfg.XTSKey, cfg.XTSSector, file.Size())
		if err != nil {
			return err
		}
		logger.Debug("decrypting %s with %d-byte sectors", imagePath, cfg.XTSSector)
	}

	if command == "parts" {
		return cmd.Parts(s, stdout)
	}

	v, err := volume.OpenPartition(s, cfg.Partition)
	if err != nil {
		return err
	}
	defer v.Close()

	switch command {
	case "info":
		return cmd.Info(v, stdout)
	case "find":
		return withName("find", cmdArgs, func(name string) error { return cmd.Find(v, name, stdout) })
	case "rm":
		return withName("rm", cmdArgs, func(name string) error { return cmd.Rm(v, name, stdout) })
	case "ls":
		return runLs(v, cmdArgs, stdout)
	case "cat":
		return withName("cat", cmdArgs, func(name string) error { return cmd.Cat(v, name, stdout) })
	default:
		return fmt.Errorf("unknown command: %s (use info, find, rm, ls, cat or parts)", command)
	}
}

func withName(command string, args []string, fn func(name string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("%s requires a file name", command)
	}
	return fn(args[0])
}

func runLs(v *volume.Volume, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	long := fs.Bool("l", false, "use long listing format")
	all := fs.Bool("a", false, "include . and .. entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return cmd.Ls(v, out, cmd.LsOptions{
		Long: *long,
		All:  *all,
	})
}
