package storepath

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// ValidPathInfo is the metadata record for a single store object (spec §3).
// Equality (Equal) compares only Path, NarHash and References, matching the
// protocol's round-trip invariant (spec §8, invariant 1).
type ValidPathInfo struct {
	Path             StorePath
	Deriver          *StorePath
	NarHash          Hash
	References       []StorePath
	RegistrationTime int64 // seconds since epoch, UTC
	NarSize          uint64
	HasNarSize       bool
	ID               uint64
	Ultimate         bool
	Sigs             []string
	CA               string // "" if absent
}

// Equal compares two ValidPathInfo records by Path, NarHash and References
// only, per spec §3.
func (p ValidPathInfo) Equal(other ValidPathInfo) bool {
	if p.Path != other.Path {
		return false
	}

	if p.NarHash.String() != other.NarHash.String() {
		return false
	}

	if len(p.References) != len(other.References) {
		return false
	}

	for i, ref := range p.References {
		if ref != other.References[i] {
			return false
		}
	}

	return true
}

// IsContentAddressed reports whether p carries a content-address
// assertion, in which case signatures are unnecessary (spec GLOSSARY).
func (p ValidPathInfo) IsContentAddressed() bool {
	return p.CA != ""
}

// ErrNoFingerprint is returned by Fingerprint when the record lacks the
// nar hash or nar size needed to compute one.
var ErrNoFingerprint = errors.New("storepath: cannot compute fingerprint without narHash and narSize")

// Fingerprint computes the canonical string that detached signatures sign,
// per spec §4.C:
//
//	"1;" + path + ";sha256:" + base32(narHash) + ";" + narSize + ";" + refs.joined(",")
func (p ValidPathInfo) Fingerprint() (string, error) {
	if !p.HasNarSize || p.NarSize == 0 || p.NarHash.IsNone() {
		return "", ErrNoFingerprint
	}

	refs := make([]string, len(p.References))
	for i, ref := range p.References {
		refs[i] = ref.String()
	}

	return fmt.Sprintf(
		"1;%s;sha256:%s;%d;%s",
		p.Path.String(), p.NarHash.Base32(), p.NarSize, strings.Join(refs, ","),
	), nil
}

// PublicKey is a named Ed25519 verification key, as used in Nix's
// trusted-public-keys setting ("cache.example.org-1:<base64 key>").
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// ParseSignature splits a detached signature of the form "name:base64sig"
// into its signer name and raw signature bytes.
func ParseSignature(sig string) (name string, raw []byte, err error) {
	idx := strings.IndexByte(sig, ':')
	if idx < 0 {
		return "", nil, fmt.Errorf("storepath: malformed signature %q", sig)
	}

	name = sig[:idx]

	raw, err = base64.StdEncoding.DecodeString(sig[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("storepath: malformed signature %q: %w", sig, err)
	}

	return name, raw, nil
}

// CheckSignature verifies a single detached signature over p's fingerprint
// against the set of known public keys. It returns true iff the signature
// parses, its signer name matches a known key, and the Ed25519 signature
// verifies.
func CheckSignature(p ValidPathInfo, sig string, keys []PublicKey) (bool, error) {
	fingerprint, err := p.Fingerprint()
	if err != nil {
		return false, err
	}

	name, raw, err := ParseSignature(sig)
	if err != nil {
		return false, nil //nolint:nilerr // an unparsable signature simply does not verify
	}

	for _, key := range keys {
		if key.Name != name {
			continue
		}

		if ed25519.Verify(key.Key, []byte(fingerprint), raw) {
			return true, nil
		}
	}

	return false, nil
}

// MaxSigs is the sentinel CheckSignatures returns for content-addressed
// paths, which need no signatures at all (spec §4.C).
const MaxSigs = ^uint(0)

// CheckSignatures returns the count of p.Sigs that verify against keys, or
// MaxSigs if p is content-addressed.
func CheckSignatures(p ValidPathInfo, keys []PublicKey) (uint, error) {
	if p.IsContentAddressed() {
		return MaxSigs, nil
	}

	var good uint

	for _, sig := range p.Sigs {
		ok, err := CheckSignature(p, sig, keys)
		if err != nil {
			return 0, err
		}

		if ok {
			good++
		}
	}

	return good, nil
}
