package nar_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nix-community/storedaemon/pkg/nar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportIngestRoundTrip(t *testing.T) {
	src := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.Symlink("hello.txt", filepath.Join(src, "alias")))

	var buf bytes.Buffer
	require.NoError(t, nar.Export(&buf, src))

	dest := newFakeDest()
	require.NoError(t, nar.Ingest(bytes.NewReader(buf.Bytes()), dest))

	assert.Equal(t, "hello\n", string(dest.files["hello.txt"].data))
	assert.False(t, dest.files["hello.txt"].executable)

	assert.Equal(t, "#!/bin/sh\necho hi\n", string(dest.files["bin/run.sh"].data))
	assert.True(t, dest.files["bin/run.sh"].executable)

	assert.Equal(t, "hello.txt", dest.symlinks["alias"])
	assert.Contains(t, dest.dirs, "bin")
}
