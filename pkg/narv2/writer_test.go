package narv2_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/nix-community/storedaemon/pkg/narv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	w := narv2.NewWriter(&buf)

	require.NoError(t, w.Directory())

	require.NoError(t, w.Entry("file.txt"))
	require.NoError(t, w.File(false, 5))
	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, w.Entry("link"))
	require.NoError(t, w.Link("file.txt"))

	require.NoError(t, w.Entry("script.sh"))
	require.NoError(t, w.File(true, 11))
	_, err = w.Write([]byte("#!/bin/bash"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, w.Close())

	r := narv2.NewReader(bytes.NewReader(buf.Bytes()))

	tag, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, narv2.Tag(narv2.TagDir), tag)

	tag, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, narv2.Tag(narv2.TagReg), tag)
	assert.Equal(t, uint64(5), r.Size())
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	tag, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, narv2.Tag(narv2.TagSym), tag)
	assert.Equal(t, "file.txt", r.Target())

	tag, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, narv2.Tag(narv2.TagExe), tag)
	assert.Equal(t, uint64(11), r.Size())
	content, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash", string(content))
}

func TestWriterRejectsWriteExceedingDeclaredSize(t *testing.T) {
	var buf bytes.Buffer
	w := narv2.NewWriter(&buf)

	require.NoError(t, w.File(false, 2))

	_, err := w.Write([]byte("too long"))
	assert.Error(t, err)
}

func TestWriterRejectsCloseWithoutFullWrite(t *testing.T) {
	var buf bytes.Buffer
	w := narv2.NewWriter(&buf)

	require.NoError(t, w.File(false, 5))

	_, err := w.Write([]byte("ab"))
	require.NoError(t, err)

	err = w.Close()
	assert.Error(t, err)
}
