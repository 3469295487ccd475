// Command ntfscat is a thin demonstration consumer of ntfscore: it opens an
// image, then either lists a directory or streams a file's data to stdout.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/ntfsro/ntfscore/internal/ntfs"
)

const help = `ntfscat: read files and directory listings out of an NTFS image

usage: ntfscat [flags] <image> <path>

<path> is a \-separated NTFS path, e.g. \Windows\System32\drivers\etc\hosts
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("ntfscat", flag.ExitOnError)
	var (
		offset = fset.Int64("o", 0, "byte offset of the volume within <image>")
	)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		fset.Usage()
		return xerrors.Errorf("syntax: ntfscat [flags] <image> <path>")
	}
	imagePath := fset.Arg(0)
	path := fset.Arg(1)

	f, err := os.Open(imagePath)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", imagePath, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return xerrors.Errorf("stat %s: %w", imagePath, err)
	}

	src := ntfs.NewOffsetSource(f, size, *offset)
	vol, err := ntfs.OpenVolume(src)
	if err != nil {
		return xerrors.Errorf("opening volume: %w", err)
	}

	entry, err := vol.FileEntryByPathUTF8(path)
	if err != nil {
		return xerrors.Errorf("resolving %s: %w", path, err)
	}
	defer entry.Close()

	if entry.IsDirectory() {
		return list(entry)
	}
	return cat(entry)
}

func list(entry *ntfs.FileEntry) error {
	children, err := entry.Children()
	if err != nil {
		return xerrors.Errorf("listing children: %w", err)
	}
	for children.Next() {
		de, err := children.Value()
		if err != nil {
			return xerrors.Errorf("reading directory entry: %w", err)
		}
		fmt.Println(de.LongName.Name)
	}
	return nil
}

func cat(entry *ntfs.FileEntry) error {
	stream, err := entry.OpenDataStream()
	if err != nil {
		return xerrors.Errorf("opening data stream: %w", err)
	}
	_, err = io.Copy(os.Stdout, stream)
	return err
}
