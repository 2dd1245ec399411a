package wire_test

import (
	"bytes"
	"testing"

	"github.com/nix-community/storedaemon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, wire.WriteUint64(&buf, 0x0102030405060708))

	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, buf.Bytes())

	v, err := wire.ReadUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v)
}

func TestBoolRoundTrip(t *testing.T) {
	for _, v := range []bool{true, false} {
		var buf bytes.Buffer

		require.NoError(t, wire.WriteBool(&buf, v))

		got, err := wire.ReadBool(&buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestBoolNonzeroIsTrue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteUint64(&buf, 42))

	got, err := wire.ReadBool(&buf)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "hello", "exactly8", "this is nine"} {
		var buf bytes.Buffer

		require.NoError(t, wire.WriteString(&buf, s))

		wantPad := (8 - (len(s) % 8)) % 8
		assert.Equal(t, 8+len(s)+wantPad, buf.Len())

		got, err := wire.ReadString(&buf, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestStringTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteString(&buf, "hello"))

	_, err := wire.ReadString(&buf, 2)
	assert.Error(t, err)
}

func TestStringRejectsNonZeroPadding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteUint64(&buf, 1))
	buf.WriteString("a")
	buf.Write([]byte{1, 0, 0, 0, 0, 0, 0})

	_, err := wire.ReadString(&buf, 1<<20)
	assert.Error(t, err)
}
