package daemon_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/nix-community/storedaemon/internal/backend/memstore"
	"github.com/nix-community/storedaemon/pkg/daemon"
	"github.com/nix-community/storedaemon/pkg/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStoreDir = "/nix/store"

// startDaemon runs a Server backed by a fresh memstore on a Unix socket
// under t.TempDir() and returns a connected Client, exercising the full
// dial-handshake-dispatch path a real nix-daemon deployment would.
func startDaemon(t *testing.T) (*daemon.Client, *memstore.Store) {
	t.Helper()

	store := memstore.New(testStoreDir, t.TempDir())

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := daemon.NewServer(store)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		srv.Serve(ctx, l) //nolint:errcheck // error path covered by server_test.go
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := daemon.Connect(socketPath)
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() }) //nolint:errcheck // best-effort on test teardown

	return client, store
}

func testPath(t *testing.T, name string) storepath.StorePath {
	t.Helper()

	p, err := storepath.MakeTextPath(testStoreDir, name, storepath.SumSHA256([]byte(name)), nil)
	require.NoError(t, err)

	return p
}

func TestIntegrationConnect(t *testing.T) {
	client, _ := startDaemon(t)

	info := client.Info()
	assert.Equal(t, daemon.ProtocolVersion, info.Version)
	assert.Equal(t, daemon.TrustTrusted, info.Trust)
}

func TestIntegrationSetOptions(t *testing.T) {
	client, _ := startDaemon(t)

	err := client.SetOptions(context.Background(), daemon.DefaultClientSettings())
	assert.NoError(t, err)
}

func TestIntegrationLogChannel(t *testing.T) {
	logs := make(chan daemon.LogMessage, 100)

	store := memstore.New(testStoreDir, t.TempDir())
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := daemon.NewServer(store)
	ctx, cancel := context.WithCancel(context.Background())

	go srv.Serve(ctx, l) //nolint:errcheck // error path covered by server_test.go
	t.Cleanup(cancel)

	client, err := daemon.Connect(socketPath, daemon.WithLogChannel(logs))
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() }) //nolint:errcheck // best-effort on test teardown

	assert.NotNil(t, client.Logs())

	_, err = client.QueryAllValidPaths(context.Background())
	assert.NoError(t, err)
}

func TestIntegrationIsValidPath(t *testing.T) {
	client, _ := startDaemon(t)

	valid, err := client.IsValidPath(context.Background(), testStoreDir+"/00000000000000000000000000000000-nonexistent")
	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestIntegrationIsValidPathTrue(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	path := testPath(t, "hello")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: path}))

	valid, err := client.IsValidPath(ctx, path.String())
	assert.NoError(t, err)
	assert.True(t, valid)
}

func TestIntegrationQueryAllValidPaths(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: testPath(t, "a")}))
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: testPath(t, "b")}))

	paths, err := client.QueryAllValidPaths(ctx)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestIntegrationQueryPathInfo(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	path := testPath(t, "hello")
	narHash := storepath.SumSHA256([]byte("nar-contents"))
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{
		Path: path, NarHash: narHash, NarSize: 12, HasNarSize: true,
	}))

	info, err := client.QueryPathInfo(ctx, path.String())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, narHash.String(), info.NarHash)
	assert.EqualValues(t, 12, info.NarSize)
}

func TestIntegrationQueryPathInfoNotFound(t *testing.T) {
	client, _ := startDaemon(t)

	info, err := client.QueryPathInfo(context.Background(), testStoreDir+"/00000000000000000000000000000000-nope")
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestIntegrationQueryPathFromHashPart(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	path := testPath(t, "hello")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: path}))

	resolved, err := client.QueryPathFromHashPart(ctx, path.HashPart)
	require.NoError(t, err)
	assert.Equal(t, path.String(), resolved)
}

func TestIntegrationQueryReferrers(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	dep := testPath(t, "dep")
	top := testPath(t, "top")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: dep}))
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: top, References: []storepath.StorePath{dep}}))

	referrers, err := client.QueryReferrers(ctx, dep.String())
	require.NoError(t, err)
	assert.Equal(t, []string{top.String()}, referrers)
}

func TestIntegrationQuerySubstitutablePaths(t *testing.T) {
	client, _ := startDaemon(t)

	paths, err := client.QuerySubstitutablePaths(context.Background(), []string{testStoreDir + "/00000000000000000000000000000000-x"})
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestIntegrationQueryMissing(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	known := testPath(t, "known")
	unknown := testPath(t, "unknown")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: known}))

	missing, err := client.QueryMissing(ctx, []string{known.String(), unknown.String()})
	require.NoError(t, err)
	assert.Equal(t, []string{unknown.String()}, missing.Unknown)
}

func TestIntegrationFindRoots(t *testing.T) {
	client, _ := startDaemon(t)

	roots, err := client.FindRoots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestIntegrationAddTempRoot(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	path := testPath(t, "temp-root")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: path}))

	require.NoError(t, client.AddTempRoot(ctx, path.String()))
}

func TestIntegrationVerifyStore(t *testing.T) {
	client, _ := startDaemon(t)

	errorsFound, err := client.VerifyStore(context.Background(), false, false)
	require.NoError(t, err)
	assert.False(t, errorsFound)
}

func TestIntegrationBuildPaths(t *testing.T) {
	client, _ := startDaemon(t)

	err := client.BuildPaths(context.Background(), []string{testStoreDir + "/00000000000000000000000000000000-x.drv"}, daemon.BuildModeNormal)
	assert.Error(t, err)
}

func TestIntegrationSequentialOperations(t *testing.T) {
	ctx := context.Background()
	client, store := startDaemon(t)

	path := testPath(t, "sequential")
	require.NoError(t, store.RegisterPath(ctx, storepath.ValidPathInfo{Path: path}))

	for i := 0; i < 5; i++ {
		valid, err := client.IsValidPath(ctx, path.String())
		require.NoError(t, err)
		assert.True(t, valid)
	}
}
