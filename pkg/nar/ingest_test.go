package nar_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/nix-community/storedaemon/pkg/nar"
	"github.com/nix-community/storedaemon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDest is an in-memory nar.Destination used to assert what the parser
// drives, grounded on the teacher's preference for small hand-rolled test
// doubles over a mocking framework (see pkg/daemon's *_test.go files).
type fakeDest struct {
	dirs     []string
	symlinks map[string]string
	files    map[string]fakeFile
}

type fakeFile struct {
	data       []byte
	executable bool
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		symlinks: map[string]string{},
		files:    map[string]fakeFile{},
	}
}

func (d *fakeDest) MakeDirectory(path string) error {
	d.dirs = append(d.dirs, path)
	return nil
}

func (d *fakeDest) CreateFile(path string, size int64, executable bool) (io.WriteCloser, error) {
	return &fakeWriter{dest: d, path: path, executable: executable}, nil
}

func (d *fakeDest) MakeSymlink(path, target string) error {
	d.symlinks[path] = target
	return nil
}

type fakeWriter struct {
	dest       *fakeDest
	path       string
	executable bool
	buf        bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.dest.files[w.path] = fakeFile{data: w.buf.Bytes(), executable: w.executable}
	return nil
}

// narBuilder assembles raw "nix-archive-1" bytes by hand using pkg/wire, the
// same primitives the real parser reads with, so these tests exercise the
// wire format rather than a round-trip through some other encoder.
type narBuilder struct {
	buf bytes.Buffer
}

func (b *narBuilder) tok(s string)    { _ = wire.WriteString(&b.buf, s) }
func (b *narBuilder) u64(v uint64)    { _ = wire.WriteUint64(&b.buf, v) }
func (b *narBuilder) open()           { b.tok("(") }
func (b *narBuilder) close()          { b.tok(")") }
func (b *narBuilder) bytes() []byte   { return b.buf.Bytes() }

func (b *narBuilder) magic() {
	b.tok("nix-archive-1")
}

func (b *narBuilder) regularFile(contents string, executable bool) {
	b.open()
	b.tok("type")
	b.tok("regular")

	if executable {
		b.tok("executable")
		b.tok("")
	}

	b.tok("contents")
	b.u64(uint64(len(contents)))
	b.buf.WriteString(contents)

	pad := (8 - (len(contents) % 8)) % 8
	b.buf.Write(make([]byte, pad))

	b.close()
}

func TestIngestRegularFile(t *testing.T) {
	var b narBuilder
	b.magic()
	b.regularFile("hello\n", false)

	dest := newFakeDest()
	err := nar.Ingest(bytes.NewReader(b.bytes()), dest)
	require.NoError(t, err)

	got, ok := dest.files[""]
	require.True(t, ok)
	assert.Equal(t, "hello\n", string(got.data))
	assert.False(t, got.executable)
}

func TestIngestExecutableFile(t *testing.T) {
	var b narBuilder
	b.magic()
	b.regularFile("#!/bin/sh\n", true)

	dest := newFakeDest()
	require.NoError(t, nar.Ingest(bytes.NewReader(b.bytes()), dest))

	got := dest.files[""]
	assert.True(t, got.executable)
}

func TestIngestSymlink(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("symlink")
	b.tok("target")
	b.tok("/nix/store/other")
	b.close()

	dest := newFakeDest()
	require.NoError(t, nar.Ingest(bytes.NewReader(b.bytes()), dest))

	assert.Equal(t, "/nix/store/other", dest.symlinks[""])
}

func TestIngestDirectorySorted(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("directory")

	for _, name := range []string{"a", "b", "c"} {
		b.tok("entry")
		b.open()
		b.tok("name")
		b.tok(name)
		b.tok("node")
		b.regularFile(name, false)
		b.close()
	}

	b.close()

	dest := newFakeDest()
	require.NoError(t, nar.Ingest(bytes.NewReader(b.bytes()), dest))

	assert.Contains(t, dest.dirs, "")
	assert.Equal(t, "a", string(dest.files["a"].data))
	assert.Equal(t, "b", string(dest.files["b"].data))
	assert.Equal(t, "c", string(dest.files["c"].data))
}

// TestIngestDirectoryNotSorted covers spec §8 S6: entries out of order must
// be rejected, not silently reordered.
func TestIngestDirectoryNotSorted(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("directory")

	for _, name := range []string{"b", "a"} {
		b.tok("entry")
		b.open()
		b.tok("name")
		b.tok(name)
		b.tok("node")
		b.regularFile(name, false)
		b.close()
	}

	b.close()

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrNotSorted)
}

func TestIngestDirectoryRejectsDuplicateNames(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("directory")

	for range 2 {
		b.tok("entry")
		b.open()
		b.tok("name")
		b.tok("dup")
		b.tok("node")
		b.regularFile("x", false)
		b.close()
	}

	b.close()

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrNotSorted)
}

func TestIngestRejectsInvalidFileName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		var b narBuilder
		b.magic()
		b.open()
		b.tok("type")
		b.tok("directory")
		b.tok("entry")
		b.open()
		b.tok("name")
		b.tok(name)
		b.tok("node")
		b.regularFile("x", false)
		b.close()
		b.close()

		err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
		require.Error(t, err, "name %q", name)
		assert.ErrorIs(t, err, nar.ErrInvalidFileName, "name %q", name)
	}
}

func TestIngestRejectsMultipleTypeFields(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("regular")
	b.tok("type")
	b.tok("directory")
	b.close()

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrMultipleTypeFields)
}

func TestIngestRejectsMalformedExecutableMarker(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("regular")
	b.tok("executable")
	b.tok("nonempty")
	b.tok("contents")
	b.u64(0)
	b.close()

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrInvalidExecutableMarker)
}

func TestIngestRejectsMissingMagic(t *testing.T) {
	var b narBuilder
	b.tok("not-an-archive")

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrNotAArchive)
}

func TestIngestRejectsUnknownFileType(t *testing.T) {
	var b narBuilder
	b.magic()
	b.open()
	b.tok("type")
	b.tok("block-device")
	b.close()

	err := nar.Ingest(bytes.NewReader(b.bytes()), newFakeDest())
	require.Error(t, err)
	assert.ErrorIs(t, err, nar.ErrUnknownFileType)
}

func TestIngestPropagatesShortRead(t *testing.T) {
	var b narBuilder
	b.magic()
	full := b.bytes()

	err := nar.Ingest(bytes.NewReader(full[:len(full)-4]), newFakeDest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF))
}
