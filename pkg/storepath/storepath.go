// Package storepath implements the content-addressed store-path algebra of
// the worker protocol: deriving a store path from a type string, a hash,
// and a name; parsing and printing store paths; and the ValidPathInfo
// metadata record that sits on top of a path.
//
// These are pure, side-effect-free functions grounded on
// original_source/libstore/src/store/mod.rs's Hash/make_store_path, carried
// into the idiomatic Go shape used by zombiezen.com/go/nix's storepath
// helper (see _examples/256lights-zb/internal/storepath) but kept in the
// teacher's plain-struct, no-generics style.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// FileIngestionMethod selects how a fixed-output path's contents were
// hashed: as a single flat file, or as the hash of its NAR serialisation.
type FileIngestionMethod int

const (
	// FileIngestionFlat hashes the raw file contents directly.
	FileIngestionFlat FileIngestionMethod = iota
	// FileIngestionRecursive hashes the NAR serialisation of a file tree.
	FileIngestionRecursive
)

// StorePath is an absolute path under a configured store directory, of the
// form "<storeDir>/<hash-part>-<name>".
type StorePath struct {
	StoreDir string
	HashPart string // 32-char base32 digest
	Name     string
}

// String prints the full filesystem path.
func (p StorePath) String() string {
	return p.StoreDir + "/" + p.HashPart + "-" + p.Name
}

// IsZero reports whether p is the zero value (used to represent "no
// deriver" / absent optional paths).
func (p StorePath) IsZero() bool {
	return p.HashPart == "" && p.Name == ""
}

// ErrNotInStore is returned by Parse when a string does not name a path
// inside the configured store directory.
type ErrNotInStore struct {
	Path     string
	StoreDir string
}

func (e *ErrNotInStore) Error() string {
	return fmt.Sprintf("storepath: %q is not in the store %q", e.Path, e.StoreDir)
}

// Parse validates that s names a path directly inside storeDir and splits
// its final component into a hash part and a name. Per spec §4.B, s must
// begin with storeDir + "/" and the remainder must contain a '-' separating
// a 32-character base32 hash part from a non-empty name.
func Parse(storeDir, s string) (StorePath, error) {
	prefix := storeDir + "/"

	if !strings.HasPrefix(s, prefix) {
		return StorePath{}, &ErrNotInStore{Path: s, StoreDir: storeDir}
	}

	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		return StorePath{}, &ErrNotInStore{Path: s, StoreDir: storeDir}
	}

	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return StorePath{}, &ErrNotInStore{Path: s, StoreDir: storeDir}
	}

	hashPart, name := rest[:dash], rest[dash+1:]
	if len(hashPart) != 32 || name == "" {
		return StorePath{}, &ErrNotInStore{Path: s, StoreDir: storeDir}
	}

	return StorePath{StoreDir: storeDir, HashPart: hashPart, Name: name}, nil
}

// MakeType builds the "type" string fed into MakeStorePath's fingerprint:
// kind, then ":"+Print(ref) for each reference (in the given order), then
// ":self" if the path references itself.
func MakeType(kind string, refs []StorePath, hasSelfRef bool) string {
	var b strings.Builder

	b.WriteString(kind)

	for _, ref := range refs {
		b.WriteByte(':')
		b.WriteString(ref.String())
	}

	if hasSelfRef {
		b.WriteString(":self")
	}

	return b.String()
}

// MakeStorePath computes the content-addressed path for (typeStr, hash,
// name) under storeDir, per spec §4.B:
//  1. fingerprint = typeStr + ":" + hash.ToSQLForm() + ":" + storeDir + ":" + name
//  2. digest = sha256(fingerprint)
//  3. compressed = XOR-fold digest to 20 bytes
//  4. base32 = render compressed in the custom alphabet
//  5. result = storeDir + "/" + base32 + "-" + name
func MakeStorePath(storeDir, typeStr string, hash Hash, name string) (StorePath, error) {
	fingerprint := typeStr + ":" + hash.ToSQLForm() + ":" + storeDir + ":" + name

	digest := sha256.Sum256([]byte(fingerprint))

	compressed, err := SHA256Hash(digest).Compress(20)
	if err != nil {
		return StorePath{}, err
	}

	return StorePath{
		StoreDir: storeDir,
		HashPart: compressed.Base32(),
		Name:     name,
	}, nil
}

// MakeTextPath computes the store path for text content (e.g. AddTextToStore),
// per spec §4.B. hash must be a canonical SHA-256 digest of the text bytes.
func MakeTextPath(storeDir, name string, hash Hash, refs []StorePath) (StorePath, error) {
	if !hash.IsSHA256() {
		return StorePath{}, fmt.Errorf("storepath: MakeTextPath requires a sha256 hash")
	}

	typeStr := MakeType("text", refs, false)

	return MakeStorePath(storeDir, typeStr, hash, name)
}

// MakeFixedOutputPath computes the store path for a fixed-output
// derivation's import (AddToStore), per spec §4.B:
//
//   - If method is Recursive and hash is a canonical SHA-256 digest, the
//     path is derived directly from that hash under kind "source".
//   - Otherwise, the path is derived from sha256("fixed:" + ["r:" if
//     Recursive] + hash.ToSQLForm() + ":") under kind "output:out".
func MakeFixedOutputPath(
	storeDir string, method FileIngestionMethod, hash Hash, name string,
	refs []StorePath, hasSelfRef bool,
) (StorePath, error) {
	if method == FileIngestionRecursive && hash.IsSHA256() {
		kind := MakeType("source", refs, hasSelfRef)

		return MakeStorePath(storeDir, kind, hash, name)
	}

	prefix := "fixed:"
	if method == FileIngestionRecursive {
		prefix += "r:"
	}

	innerHash := SumSHA256([]byte(prefix + hash.ToSQLForm() + ":"))

	kind := MakeType("output:out", refs, hasSelfRef)

	return MakeStorePath(storeDir, kind, innerHash, name)
}
