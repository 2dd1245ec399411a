// Package nar implements the archive ingestion pipeline of spec §4.D: a
// streaming parser for the "nix-archive-1" serialisation format that
// reconstructs a file tree by driving a Destination, rather than buffering
// the whole archive.
//
// The token grammar (length-prefixed, 8-byte-aligned strings, read via
// pkg/wire) and the peek/consume shape of the loop are grounded on
// pkg/narv2.Reader's tokenizer; unlike that reader, which only tokenizes
// and lets the caller validate, Ingest enforces the protocol invariants of
// spec §4.D itself (sortedness, filename shape, single "type" field, a
// well-formed executable marker) because the spec requires the server to
// reject malformed archives rather than merely fail to reconstruct them.
package nar

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nix-community/storedaemon/pkg/wire"
)

// Named archive errors from spec §4.D / §7. A caller that needs to map
// these onto a specific DaemonError name can use errors.Is.
var (
	ErrNotAArchive            = errors.New("nar: not a nix archive")
	ErrMissingOpenTag         = errors.New("nar: missing open tag")
	ErrMultipleTypeFields     = errors.New("nar: multiple type fields")
	ErrUnknownFileType        = errors.New("nar: unknown file type")
	ErrInvalidExecutableMarker = errors.New("nar: invalid executable marker")
	ErrInvalidFileName        = errors.New("nar: invalid file name")
	ErrNotSorted              = errors.New("nar: directory entries not sorted")
	ErrMissingName            = errors.New("nar: missing node type")
	ErrInvalidSymlinkMarker   = errors.New("nar: invalid symlink marker")
)

const (
	magic = "nix-archive-1"

	// maxTokenSize bounds small structural tokens (type names, entry
	// names, symlink targets). File contents are streamed separately
	// and are not subject to this bound.
	maxTokenSize = 4096

	// maxFileSize rejects absurdly large declared file sizes outright,
	// mirroring narv2's errSize guard.
	maxFileSize = 1 << 40
)

// Destination is the subset of the §4.E Store backend the archive parser
// drives as it reconstructs a file tree: spec's write_file/make_directory/
// make_symlink filesystem emitters. Paths are relative to the tree being
// ingested; the root entry itself is named "".
type Destination interface {
	MakeDirectory(path string) error
	// CreateFile returns a writer that will receive exactly size bytes.
	// The caller closes it after writing size bytes.
	CreateFile(path string, size int64, executable bool) (io.WriteCloser, error)
	MakeSymlink(path, target string) error
}

// Ingest parses one "nix-archive-1" serialised file tree from r, driving
// dest as nodes are recognized. It does not itself compute a hash of the
// stream; callers that need the NAR hash (spec §4.D) should wrap r in a
// hashing reader (see pkg/daemon's AddToStore handler) before calling
// Ingest.
func Ingest(r io.Reader, dest Destination) error {
	p := &parser{r: r}

	tok, err := p.readToken()
	if err != nil {
		return err
	}

	if tok != magic {
		return ErrNotAArchive
	}

	return p.parseNode(dest, "")
}

type parser struct {
	r io.Reader
}

func (p *parser) readToken() (string, error) {
	return wire.ReadString(p.r, maxTokenSize)
}

func (p *parser) expect(want string) error {
	got, err := p.readToken()
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrMissingOpenTag, want, got)
	}

	return nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}

	return parent + "/" + name
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidFileName
	}

	if strings.ContainsAny(name, "/\x00") {
		return ErrInvalidFileName
	}

	return nil
}

// parseNode consumes "(" field* ")" for the node at path, dispatching on
// each field per the grammar of spec §4.D. It mirrors the real Nix parser's
// loop-of-fields shape (rather than the stricter fixed-order grammar quoted
// in spec §4.D) so that a "type" field repeated out of place is caught as
// MultipleTypeFields instead of silently accepted.
func (p *parser) parseNode(dest Destination, path string) error {
	if err := p.expect("("); err != nil {
		return err
	}

	var (
		kind          string
		sawType       bool
		executable    bool
		haveContents  bool
		dirCreated    bool
		lastEntryName string
		haveLastEntry bool
	)

	for {
		tok, err := p.readToken()
		if err != nil {
			return err
		}

		if tok == ")" {
			break
		}

		switch tok {
		case "type":
			if sawType {
				return ErrMultipleTypeFields
			}

			sawType = true

			kind, err = p.readToken()
			if err != nil {
				return err
			}

			switch kind {
			case "regular", "directory", "symlink":
			default:
				return ErrUnknownFileType
			}

			if kind == "directory" && !dirCreated {
				if err := dest.MakeDirectory(path); err != nil {
					return err
				}

				dirCreated = true
			}

		case "executable":
			if kind != "regular" {
				return fmt.Errorf("%w: executable marker outside regular file", ErrInvalidExecutableMarker)
			}

			marker, err := p.readToken()
			if err != nil {
				return err
			}

			if marker != "" {
				return ErrInvalidExecutableMarker
			}

			executable = true

		case "contents":
			if kind != "regular" {
				return fmt.Errorf("%w: contents outside regular file", ErrUnknownFileType)
			}

			size, err := wire.ReadUint64(p.r)
			if err != nil {
				return err
			}

			if size > maxFileSize {
				return fmt.Errorf("nar: file too large: %d bytes", size)
			}

			if err := p.copyFile(dest, path, int64(size), executable); err != nil {
				return err
			}

			haveContents = true

		case "entry":
			if kind != "directory" {
				return fmt.Errorf("%w: entry outside directory", ErrUnknownFileType)
			}

			if !dirCreated {
				if err := dest.MakeDirectory(path); err != nil {
					return err
				}

				dirCreated = true
			}

			if err := p.expect("("); err != nil {
				return err
			}

			if err := p.expect("name"); err != nil {
				return err
			}

			name, err := p.readToken()
			if err != nil {
				return err
			}

			if err := validateFileName(name); err != nil {
				return err
			}

			if haveLastEntry && name <= lastEntryName {
				return ErrNotSorted
			}

			lastEntryName, haveLastEntry = name, true

			if err := p.expect("node"); err != nil {
				return err
			}

			if err := p.parseNode(dest, joinPath(path, name)); err != nil {
				return err
			}

			if err := p.expect(")"); err != nil {
				return err
			}

		case "target":
			if kind != "symlink" {
				return fmt.Errorf("%w: target outside symlink", ErrInvalidSymlinkMarker)
			}

			target, err := p.readToken()
			if err != nil {
				return err
			}

			if err := dest.MakeSymlink(path, target); err != nil {
				return err
			}

		default:
			return fmt.Errorf("nar: unexpected token %q", tok)
		}
	}

	if !sawType {
		return ErrMissingName
	}

	if kind == "regular" && !haveContents {
		return fmt.Errorf("%w: regular file missing contents", ErrUnknownFileType)
	}

	return nil
}

func (p *parser) copyFile(dest Destination, path string, size int64, executable bool) error {
	w, err := dest.CreateFile(path, size, executable)
	if err != nil {
		return err
	}

	if _, err := io.CopyN(w, p.r, size); err != nil {
		w.Close() //nolint:errcheck // the copy error is the one that matters

		return err
	}

	if err := w.Close(); err != nil {
		return err
	}

	pad := (8 - (size % 8)) % 8
	if pad == 0 {
		return nil
	}

	var padBuf [8]byte

	if _, err := io.ReadFull(p.r, padBuf[:pad]); err != nil {
		return err
	}

	for _, b := range padBuf[:pad] {
		if b != 0 {
			return fmt.Errorf("nar: invalid padding after file contents")
		}
	}

	return nil
}
