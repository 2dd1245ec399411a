package daemon

import (
	"fmt"

	"github.com/multiformats/go-multihash"
)

// nixHashAlgoNames maps the hash algorithm names the worker protocol sends
// (spec §4.D) to the names go-multihash's registry knows them by.
var nixHashAlgoNames = map[string]string{
	"md5":    "md5",
	"sha1":   "sha1",
	"sha256": "sha2-256",
	"sha512": "sha2-512",
}

// resolveHashAlgo validates name against go-multihash's algorithm table and
// returns its multihash code, giving AddToStore a real diagnostic ("unknown
// hash algorithm" vs. "not sha256") instead of a single catch-all rejection.
func resolveHashAlgo(name string) (uint64, error) {
	mhName, ok := nixHashAlgoNames[name]
	if !ok {
		return 0, fmt.Errorf("daemon: unknown hash algorithm %q", name)
	}

	code, ok := multihash.Names[mhName]
	if !ok {
		return 0, fmt.Errorf("daemon: hash algorithm %q not registered with multihash", name)
	}

	return code, nil
}
