// Package config parses the small subset of nix.conf this daemon reads:
// the store directory, trusted-public-keys, and the trusted-users/
// trusted-groups lists peercred.Policy needs. It is grounded on
// original_source's NixConfig::pre_text/parse_file (strip comments and
// blank lines, one "key = value" assignment per line) but skips the
// serde-derive machinery entirely in favor of the teacher's plain-struct
// style: a fixed set of named fields, populated by a single scan.
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"golang.org/x/crypto/ed25519"

	"github.com/nix-community/storedaemon/pkg/storepath"
)

// Config holds the daemon's subset of nix.conf.
type Config struct {
	// StoreDir is the configured store directory. Defaults to "/nix/store".
	StoreDir string
	// TrustedUsers lists usernames that may assert trusted operations.
	TrustedUsers []string
	// TrustedGroups lists group names that may assert trusted operations.
	TrustedGroups []string
	// BuildUsersGroup names the Unix group build users belong to. Unused
	// by this daemon (builds are out of scope) but parsed for fidelity.
	BuildUsersGroup string
	// TrustedPublicKeys are the named Ed25519 keys used to verify
	// signatures on untrusted imports.
	TrustedPublicKeys []storepath.PublicKey
}

// Default returns the built-in defaults original_source's default_store/
// default_trusted_users fall back to when nix.conf sets nothing.
func Default() Config {
	return Config{
		StoreDir:     "/nix/store",
		TrustedUsers: []string{"root"},
	}
}

// StateDir returns the base directory for daemon state (the sqlite
// database and badger cache), honoring XDG_STATE_HOME via adrg/xdg with a
// "storedaemon" subdirectory, the way a well-behaved non-root daemon
// chooses its on-disk home when not pointed at /nix/var explicitly.
func StateDir() (string, error) {
	return xdg.StateFile("storedaemon")
}

// Load reads and parses the nix.conf-style file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	return Parse(f)
}

// Parse reads nix.conf-style "key = value" assignments from r, starting
// from Default() and overwriting only the keys this daemon recognizes.
// Unknown keys are ignored, matching original_source's tolerant parser
// (a daemon that rejected every setting it didn't implement would break on
// any stock nix.conf).
func Parse(r io.Reader) (Config, error) {
	cfg := Default()

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "store":
			cfg.StoreDir = value
		case "trusted-users":
			cfg.TrustedUsers = fields(value)
		case "trusted-groups":
			cfg.TrustedGroups = fields(value)
		case "build-users-group":
			cfg.BuildUsersGroup = value
		case "trusted-public-keys":
			keys, err := parsePublicKeys(value)
			if err != nil {
				return Config{}, err
			}

			cfg.TrustedPublicKeys = keys
		}
	}

	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("config: scan: %w", err)
	}

	return cfg, nil
}

func fields(value string) []string {
	return strings.Fields(value)
}

// parsePublicKeys parses a space-separated list of "name:base64key" pairs,
// the format trusted-public-keys uses in nix.conf.
func parsePublicKeys(value string) ([]storepath.PublicKey, error) {
	var keys []storepath.PublicKey

	for _, tok := range fields(value) {
		name, raw, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed trusted-public-keys entry %q", tok)
		}

		keyBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: malformed trusted-public-keys entry %q: %w", tok, err)
		}

		if len(keyBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("config: trusted-public-keys entry %q has wrong key size", tok)
		}

		keys = append(keys, storepath.PublicKey{Name: name, Key: ed25519.PublicKey(keyBytes)})
	}

	return keys, nil
}

// DefaultPath returns the conventional system nix.conf location, falling
// back to an XDG config path for non-root invocations.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return "/etc/nix/nix.conf"
	}

	if p, err := xdg.SearchConfigFile(filepath.Join("nix", "nix.conf")); err == nil {
		return p
	}

	p, _ := xdg.ConfigFile(filepath.Join("nix", "nix.conf")) //nolint:errcheck // caller treats a missing file as "use defaults"

	return p
}
