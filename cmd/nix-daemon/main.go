// Command nix-daemon serves the worker protocol over a Unix socket or, with
// --stdio, a single session over stdin/stdout for use under an SSH
// ProxyCommand or systemd socket activation's stdin handoff.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nix-community/storedaemon/internal/backend/localstore"
	"github.com/nix-community/storedaemon/internal/backend/memstore"
	"github.com/nix-community/storedaemon/internal/config"
	"github.com/nix-community/storedaemon/internal/peercred"
	"github.com/nix-community/storedaemon/pkg/daemon"
)

type cli struct {
	Stdio     bool   `help:"Serve a single connection over stdin/stdout instead of a socket."`
	Daemon    bool   `help:"Accepted and ignored (legacy)."`
	Listen    string `help:"Unix socket path to listen on." default:"/nix/var/nix/daemon-socket/socket"`
	Config    string `help:"Path to nix.conf." optional:""`
	StateDir  string `help:"Directory for the sqlite database and badger cache." optional:""`
	Ephemeral bool   `help:"Use an in-memory store instead of sqlite/badger; state does not survive a restart."`
}

func main() {
	var c cli

	kctx := kong.Parse(&c,
		kong.Name("nix-daemon"),
		kong.Description("Serves the Nix worker protocol."),
	)

	if err := run(c); err != nil {
		kctx.FatalIfErrorf(err)
	}
}

func run(c cli) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(c, cfg)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck // best-effort on shutdown

	logger := log.New(os.Stderr, "nix-daemon: ", log.LstdFlags)

	srv := daemon.NewServer(store)
	srv.TrustedKeys = cfg.TrustedPublicKeys
	srv.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Stdio {
		srv.TrustResolver = daemon.AlwaysTrusted

		return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	policy := peercred.NewPolicy(cfg.TrustedUsers, cfg.TrustedGroups)
	srv.TrustResolver = policy.Resolve

	l, err := listenUnix(c.Listen)
	if err != nil {
		return err
	}
	defer l.Close() //nolint:errcheck // already shutting down

	logger.Printf("listening on %s", c.Listen)

	return srv.Serve(ctx, l)
}

func loadConfig(c cli) (config.Config, error) {
	path := c.Config
	if path == "" {
		path = config.DefaultPath()
	}

	if path == "" {
		return config.Default(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}

	return config.Load(path)
}

func openStore(c cli, cfg config.Config) (daemon.Store, func() error, error) {
	if c.Ephemeral {
		tempDir, err := os.MkdirTemp("", "nix-daemon-ephemeral-")
		if err != nil {
			return nil, nil, fmt.Errorf("nix-daemon: ephemeral temp dir: %w", err)
		}

		store := memstore.New(cfg.StoreDir, tempDir)

		return store, func() error { return os.RemoveAll(tempDir) }, nil
	}

	stateDir := c.StateDir
	if stateDir == "" {
		dir, err := config.StateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("nix-daemon: state dir: %w", err)
		}

		stateDir = dir
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("nix-daemon: create state dir: %w", err)
	}

	tempDir := filepath.Join(stateDir, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("nix-daemon: create temp dir: %w", err)
	}

	store, err := localstore.Open(cfg.StoreDir, tempDir,
		filepath.Join(stateDir, "db.sqlite"), filepath.Join(stateDir, "kv"))
	if err != nil {
		return nil, nil, fmt.Errorf("nix-daemon: open store: %w", err)
	}

	return store, store.Close, nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("nix-daemon: create socket dir: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("nix-daemon: remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("nix-daemon: listen %s: %w", path, err)
	}

	return l, nil
}
