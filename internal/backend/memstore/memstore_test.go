package memstore_test

import (
	"context"
	"testing"

	"github.com/nix-community/storedaemon/internal/backend/memstore"
	"github.com/nix-community/storedaemon/pkg/daemon"
	"github.com/nix-community/storedaemon/pkg/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStoreDir = "/nix/store"

func testPath(t *testing.T, name string) storepath.StorePath {
	t.Helper()

	p, err := storepath.MakeTextPath(testStoreDir, name, storepath.SumSHA256([]byte(name)), nil)
	require.NoError(t, err)

	return p
}

func TestRegisterAndQueryPathInfo(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(testStoreDir, t.TempDir())

	path := testPath(t, "hello")

	_, err := s.QueryPathInfo(ctx, path)
	assert.ErrorIs(t, err, daemon.ErrPathNotFound)

	info := storepath.ValidPathInfo{Path: path, NarHash: storepath.SumSHA256([]byte("nar")), NarSize: 4, HasNarSize: true}
	require.NoError(t, s.RegisterPath(ctx, info))

	valid, err := s.IsValidPath(ctx, path)
	require.NoError(t, err)
	assert.True(t, valid)

	got, err := s.QueryPathInfo(ctx, path)
	require.NoError(t, err)
	assert.True(t, got.Equal(info))

	resolved, err := s.QueryPathFromHashPart(ctx, path.HashPart)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
}

func TestReferrers(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(testStoreDir, t.TempDir())

	dep := testPath(t, "dep")
	require.NoError(t, s.RegisterPath(ctx, storepath.ValidPathInfo{Path: dep}))

	top := testPath(t, "top")
	require.NoError(t, s.RegisterPath(ctx, storepath.ValidPathInfo{Path: top, References: []storepath.StorePath{dep}}))

	referrers, err := s.QueryReferrers(ctx, dep)
	require.NoError(t, err)
	require.Len(t, referrers, 1)
	assert.Equal(t, top, referrers[0])

	require.NoError(t, s.DeletePath(ctx, top))

	referrers, err = s.QueryReferrers(ctx, dep)
	require.NoError(t, err)
	assert.Empty(t, referrers)
}

func TestTempRootsReleasedOnSessionEnd(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(testStoreDir, t.TempDir())

	path := testPath(t, "root-me")
	require.NoError(t, s.AddTempRoot(ctx, 7, path))
	require.NoError(t, s.ReleaseTempRoots(ctx, 7))

	result, err := s.CollectGarbage(ctx, daemon.GCOptions{Action: daemon.GCReturnLive})
	require.NoError(t, err)
	assert.Empty(t, result.Paths)
}

func TestCollectGarbageDeleteActionsUnimplemented(t *testing.T) {
	s := memstore.New(testStoreDir, t.TempDir())

	_, err := s.CollectGarbage(context.Background(), daemon.GCOptions{Action: daemon.GCDeleteDead})
	assert.ErrorIs(t, err, daemon.ErrUnimplemented)
}

func TestVerifyStoreFindsDanglingReference(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(testStoreDir, t.TempDir())

	dangling := testPath(t, "ghost")
	top := testPath(t, "leaning-on-ghost")
	require.NoError(t, s.RegisterPath(ctx, storepath.ValidPathInfo{Path: top, References: []storepath.StorePath{dangling}}))

	errorsFound, err := s.VerifyStore(ctx, false, false)
	require.NoError(t, err)
	assert.True(t, errorsFound)
}
