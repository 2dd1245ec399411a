package daemon

import (
	"fmt"

	"github.com/nix-community/storedaemon/pkg/storepath"
)

// toWirePathInfo renders a validated storepath.ValidPathInfo in the flat
// wire shape WritePathInfo serializes, the boundary between the
// content-addressed domain model and the worker-protocol codec.
func toWirePathInfo(info storepath.ValidPathInfo) *PathInfo {
	refs := make([]string, len(info.References))
	for i, ref := range info.References {
		refs[i] = ref.String()
	}

	deriver := ""
	if info.Deriver != nil {
		deriver = info.Deriver.String()
	}

	narHash := ""
	if !info.NarHash.IsNone() {
		narHash = "sha256:" + info.NarHash.Base32()
	}

	return &PathInfo{
		StorePath:        info.Path.String(),
		Deriver:          deriver,
		NarHash:          narHash,
		References:       refs,
		RegistrationTime: uint64(info.RegistrationTime),
		NarSize:          info.NarSize,
		Ultimate:         info.Ultimate,
		Sigs:             info.Sigs,
		CA:               info.CA,
	}
}

// fromWirePathInfo parses the wire-shaped PathInfo a client sent into a
// storepath.ValidPathInfo, resolving every embedded path string against
// storeDir. It is the server-side counterpart to ReadPathInfo, one layer up.
func fromWirePathInfo(storeDir string, info *PathInfo) (storepath.ValidPathInfo, error) {
	path, err := storepath.Parse(storeDir, info.StorePath)
	if err != nil {
		return storepath.ValidPathInfo{}, fmt.Errorf("daemon: path info storePath: %w", err)
	}

	var deriver *storepath.StorePath

	if info.Deriver != "" {
		d, err := storepath.Parse(storeDir, info.Deriver)
		if err != nil {
			return storepath.ValidPathInfo{}, fmt.Errorf("daemon: path info deriver: %w", err)
		}

		deriver = &d
	}

	narHash := storepath.NoHash

	if info.NarHash != "" {
		narHash, err = storepath.ParseHash(info.NarHash)
		if err != nil {
			return storepath.ValidPathInfo{}, fmt.Errorf("daemon: path info narHash: %w", err)
		}
	}

	refs := make([]storepath.StorePath, len(info.References))

	for i, r := range info.References {
		refs[i], err = storepath.Parse(storeDir, r)
		if err != nil {
			return storepath.ValidPathInfo{}, fmt.Errorf("daemon: path info reference %d: %w", i, err)
		}
	}

	return storepath.ValidPathInfo{
		Path:             path,
		Deriver:          deriver,
		NarHash:          narHash,
		References:       refs,
		RegistrationTime: int64(info.RegistrationTime),
		NarSize:          info.NarSize,
		HasNarSize:       info.NarSize > 0,
		Ultimate:         info.Ultimate,
		Sigs:             info.Sigs,
		CA:               info.CA,
	}, nil
}
