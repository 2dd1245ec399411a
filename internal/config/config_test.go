package config_test

import (
	"strings"
	"testing"

	"github.com/nix-community/storedaemon/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "/nix/store", cfg.StoreDir)
	assert.Equal(t, []string{"root"}, cfg.TrustedUsers)
}

func TestParseOverridesKnownKeys(t *testing.T) {
	text := `
# a comment
store = /mnt/nix/store
trusted-users = root alice bob
trusted-groups = wheel
build-users-group = nixbld
unknown-setting = ignored
`
	cfg, err := config.Parse(strings.NewReader(text))
	require.NoError(t, err)

	assert.Equal(t, "/mnt/nix/store", cfg.StoreDir)
	assert.Equal(t, []string{"root", "alice", "bob"}, cfg.TrustedUsers)
	assert.Equal(t, []string{"wheel"}, cfg.TrustedGroups)
	assert.Equal(t, "nixbld", cfg.BuildUsersGroup)
}

func TestParseTrustedPublicKeysRejectsWrongKeySize(t *testing.T) {
	text := "trusted-public-keys = cache.example.org-1:MFECIQDYc1vkHXb4KaUTrI7pkTVVeFNO8XhK3PHiaWXYkLYC2QIgC6CqWrR89/6JCGVNW7tL5Jf2xEOQ6nebYPGeX/jUWI0="
	_, err := config.Parse(strings.NewReader(text))
	assert.Error(t, err) // that sample blob isn't 32 bytes, proving the size check fires
}

func TestParseMalformedTrustedPublicKeys(t *testing.T) {
	_, err := config.Parse(strings.NewReader("trusted-public-keys = not-a-valid-entry"))
	assert.Error(t, err)
}
