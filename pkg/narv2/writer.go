package narv2

import (
	"fmt"
	"io"
)

// Writer is the push-style counterpart to Reader: a caller drives it through
// a file tree (Directory/Entry/File/Write/Link/Close) and it emits the
// "nix-archive-1" wire bytes reader.go tokenizes, using the same token()
// helper and little-endian length framing.
type Writer interface {
	// Directory opens a directory node: the root node if called first, or
	// the value of the most recent Entry if called afterwards.
	Directory() error
	// Entry begins a directory entry named name; the following call must be
	// Directory, File, or Link to supply the entry's node.
	Entry(name string) error
	// File opens a regular file node declaring size bytes of content to
	// follow via Write, then a matching Close.
	File(executable bool, size uint64) error
	// Link writes a complete symlink node targeting target. It closes the
	// node (and the enclosing entry, if any) itself; no Close call follows.
	Link(target string) error
	// Close ends the most recently opened File or Directory node, and the
	// entry enclosing it, if any.
	Close() error

	io.Writer
}

type frameKind int

const (
	frameDirectory frameKind = iota
	frameRegular
)

type frame struct {
	kind        frameKind
	closesEntry bool
	size        uint64 // frameRegular only: declared content size
	remaining   uint64 // frameRegular only: bytes still expected via Write
}

func NewWriter(w io.Writer) Writer {
	return &writer{w: w}
}

type writer struct {
	w            io.Writer
	err          error
	started      bool
	pendingEntry bool
	stack        []frame
}

func (w *writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}

	return w.err
}

func (w *writer) writeTok(s string) {
	if w.err != nil {
		return
	}

	if _, err := w.w.Write(token(s)); err != nil {
		w.fail(err)
	}
}

func (w *writer) writeU64(v uint64) {
	if w.err != nil {
		return
	}

	var buf [8]byte

	encoding.PutUint64(buf[:], v)

	if _, err := w.w.Write(buf[:]); err != nil {
		w.fail(err)
	}
}

func (w *writer) Directory() error {
	if w.err != nil {
		return w.err
	}

	if !w.started {
		w.started = true
		w.writeTok("nix-archive-1")
	}

	closesEntry := w.pendingEntry
	w.pendingEntry = false

	w.writeTok("(")
	w.writeTok("type")
	w.writeTok("directory")

	w.stack = append(w.stack, frame{kind: frameDirectory, closesEntry: closesEntry})

	return w.err
}

func (w *writer) Entry(name string) error {
	if w.err != nil {
		return w.err
	}

	if len(w.stack) == 0 || w.stack[len(w.stack)-1].kind != frameDirectory {
		return w.fail(fmt.Errorf("narv2: Entry called outside an open directory"))
	}

	if w.pendingEntry {
		return w.fail(fmt.Errorf("narv2: Entry called without a preceding node for the previous entry"))
	}

	w.writeTok("entry")
	w.writeTok("(")
	w.writeTok("name")
	w.writeTok(name)
	w.writeTok("node")

	w.pendingEntry = true

	return w.err
}

func (w *writer) File(executable bool, size uint64) error {
	if w.err != nil {
		return w.err
	}

	closesEntry := w.pendingEntry
	w.pendingEntry = false

	w.writeTok("(")
	w.writeTok("type")
	w.writeTok("regular")

	if executable {
		w.writeTok("executable")
		w.writeTok("")
	}

	w.writeTok("contents")
	w.writeU64(size)

	w.stack = append(w.stack, frame{kind: frameRegular, closesEntry: closesEntry, size: size, remaining: size})

	return w.err
}

func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	if len(w.stack) == 0 || w.stack[len(w.stack)-1].kind != frameRegular {
		return 0, w.fail(fmt.Errorf("narv2: Write called outside an open File"))
	}

	top := &w.stack[len(w.stack)-1]
	if uint64(len(p)) > top.remaining {
		return 0, w.fail(fmt.Errorf("narv2: Write exceeds declared file size"))
	}

	n, err := w.w.Write(p)
	top.remaining -= uint64(n)

	if err != nil {
		return n, w.fail(err)
	}

	return n, nil
}

func (w *writer) Link(target string) error {
	if w.err != nil {
		return w.err
	}

	closesEntry := w.pendingEntry
	w.pendingEntry = false

	w.writeTok("(")
	w.writeTok("type")
	w.writeTok("symlink")
	w.writeTok("target")
	w.writeTok(target)
	w.writeTok(")")

	if closesEntry {
		w.writeTok(")")
	}

	return w.err
}

func (w *writer) Close() error {
	if w.err != nil {
		return w.err
	}

	if len(w.stack) == 0 {
		return w.fail(fmt.Errorf("narv2: Close called with nothing open"))
	}

	top := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	if top.kind == frameRegular {
		if top.remaining != 0 {
			return w.fail(fmt.Errorf("narv2: Close called before declared file size was fully written"))
		}

		if pad := (8 - (top.size % 8)) % 8; pad > 0 {
			var padBuf [8]byte

			if _, err := w.w.Write(padBuf[:pad]); err != nil {
				return w.fail(err)
			}
		}
	}

	w.writeTok(")")

	if top.closesEntry {
		w.writeTok(")")
	}

	return w.err
}
