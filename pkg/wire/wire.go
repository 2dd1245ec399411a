// Package wire implements the primitive value encoding of the Nix worker
// protocol: little-endian u64 integers and 8-byte-aligned length-prefixed
// strings. Everything else in this module (framing, opcodes, higher-level
// structures) is built on top of these primitives.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadUint64 reads a little-endian uint64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes v to w as a little-endian uint64.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	_, err := w.Write(buf[:])

	return err
}

// ReadBool reads a wire bool: a uint64 that is false when zero and true
// otherwise.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// WriteBool writes a wire bool as a uint64: 0 for false, 1 for true.
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint64(w, 1)
	}

	return WriteUint64(w, 0)
}

// padLen returns the number of zero padding bytes needed to align n to the
// next multiple of 8.
func padLen(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

// ReadString reads a length-prefixed, 8-byte-aligned string. maxBytes bounds
// the declared length to guard against malformed or malicious payloads; a
// declared length above maxBytes is a protocol error.
func ReadString(r io.Reader, maxBytes uint64) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}

	if n > maxBytes {
		return "", fmt.Errorf("wire: string length %d exceeds maximum %d", n, maxBytes)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	if pad := padLen(n); pad > 0 {
		var padBuf [8]byte

		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return "", err
		}

		for _, b := range padBuf[:pad] {
			if b != 0 {
				return "", fmt.Errorf("wire: invalid padding after string")
			}
		}
	}

	return string(buf), nil
}

// WriteString writes a length-prefixed, 8-byte-aligned string.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}

	if _, err := io.WriteString(w, s); err != nil {
		return err
	}

	if pad := padLen(uint64(len(s))); pad > 0 {
		var padBuf [8]byte

		if _, err := w.Write(padBuf[:pad]); err != nil {
			return err
		}
	}

	return nil
}
