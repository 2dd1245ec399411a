package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nix-community/storedaemon/pkg/narv2"
)

// Export serializes the file tree rooted at fsPath as a "nix-archive-1"
// archive, the inverse of Ingest. It is grounded on pkg/narv2.Writer (see
// example_test.go for the push-style Directory/Entry/File/Link/Close
// contract) and drives it from a real on-disk tree via os.Lstat/os.ReadDir,
// serving the OpNarFromPath operation spec §4.F names.
func Export(w io.Writer, fsPath string) error {
	nw := narv2.NewWriter(w)

	if err := exportNode(nw, fsPath); err != nil {
		return err
	}

	return nil
}

func exportNode(nw narv2.Writer, fsPath string) error {
	info, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}

		return nw.Link(target)

	case info.IsDir():
		if err := nw.Directory(); err != nil {
			return err
		}

		entries, err := os.ReadDir(fsPath)
		if err != nil {
			return err
		}

		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}

		sort.Strings(names)

		for _, name := range names {
			if err := nw.Entry(name); err != nil {
				return err
			}

			if err := exportNode(nw, filepath.Join(fsPath, name)); err != nil {
				return err
			}
		}

		return nw.Close()

	case info.Mode().IsRegular():
		executable := info.Mode()&0o111 != 0

		f, err := os.Open(fsPath)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := nw.File(executable, uint64(info.Size())); err != nil {
			return err
		}

		if _, err := io.Copy(nw, f); err != nil {
			return err
		}

		return nw.Close()

	default:
		return fmt.Errorf("nar: %s: unsupported file type %v", fsPath, info.Mode())
	}
}
