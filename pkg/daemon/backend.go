package daemon

import (
	"context"
	"errors"
	"io"

	"github.com/nix-community/storedaemon/pkg/storepath"
)

// ErrUnimplemented is returned by Store methods that cover collaborators
// explicitly out of scope for this daemon: sandboxed build execution and
// the GC mark-sweep itself (spec Non-goals). Every other Store method does
// real bookkeeping.
var ErrUnimplemented = errors.New("daemon: not implemented by this store")

// ErrPathNotFound is returned by QueryPathInfo and QueryPathFromHashPart
// when no record exists for the requested path.
var ErrPathNotFound = errors.New("daemon: no such valid path")

// Store is the capability interface a Session dispatches worker-protocol
// operations onto, mirroring original_source/libstore/src/store/mod.rs's
// Store trait translated into context.Context-taking methods. Two
// implementations ship: internal/backend/memstore (in-memory, for tests)
// and internal/backend/localstore (sqlite3 + badger, on disk).
type Store interface {
	// StoreDir returns the configured store directory, e.g. "/nix/store".
	StoreDir() string

	// CreateUser is invoked once per connection before the first operation,
	// mirroring Connection::run's create_user call.
	CreateUser(ctx context.Context, userName string, uid uint32) error

	// IsValidPath reports whether path is registered and valid.
	IsValidPath(ctx context.Context, path storepath.StorePath) (bool, error)

	// QueryPathInfo returns the registered metadata for path, or
	// ErrPathNotFound if it is not valid.
	QueryPathInfo(ctx context.Context, path storepath.StorePath) (storepath.ValidPathInfo, error)

	// QueryPathFromHashPart resolves a store path from its hash part alone
	// (the OpQueryPathFromHashPart fast lookup spec §4.F names).
	QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error)

	// QueryAllValidPaths returns every registered store path.
	QueryAllValidPaths(ctx context.Context) ([]storepath.StorePath, error)

	// QueryReferrers returns the set of paths that reference path.
	QueryReferrers(ctx context.Context, path storepath.StorePath) ([]storepath.StorePath, error)

	// QueryValidDerivers returns the derivers known for path.
	QueryValidDerivers(ctx context.Context, path storepath.StorePath) ([]storepath.StorePath, error)

	// QuerySubstitutablePaths filters paths down to those a configured
	// substituter collaborator claims to have. No substituter is wired in
	// this daemon, so it always returns an empty subset (spec Non-goals).
	QuerySubstitutablePaths(ctx context.Context, paths []storepath.StorePath) ([]storepath.StorePath, error)

	// RegisterPath inserts or replaces a ValidPathInfo record after a
	// successful ingest, per original_source's register_path.
	RegisterPath(ctx context.Context, info storepath.ValidPathInfo) error

	// DeletePath removes a path's registration (used to clear the way for
	// a fixed-output re-import, per connection/mod.rs's parse_dump).
	DeletePath(ctx context.Context, path storepath.StorePath) error

	// AddSignatures appends detached signatures to an existing path's
	// record.
	AddSignatures(ctx context.Context, path storepath.StorePath, sigs []string) error

	// MakeDirectory, CreateFile and MakeSymlink are the filesystem emitters
	// an archive ingest drives (spec §4.D), rooted at destDir.
	MakeDirectory(ctx context.Context, destDir, relPath string) error
	CreateFile(ctx context.Context, destDir, relPath string, size int64, executable bool) (io.WriteCloser, error)
	MakeSymlink(ctx context.Context, destDir, relPath, target string) error

	// TempExtractionDir returns a scratch directory under the store's
	// temp area for an in-progress import named name (spec §5 "temp
	// extraction discipline"); the caller removes any pre-existing entry
	// there before ingest and renames it into place after.
	TempExtractionDir(name string) string

	// RemoveAll deletes a path on disk (used to clear stale scratch state
	// and superseded store objects).
	RemoveAll(ctx context.Context, path string) error

	// Rename atomically moves the completed scratch extraction into its
	// final store location.
	Rename(ctx context.Context, oldPath, newPath string) error

	// AddTempRoot registers path as a GC root for the lifetime of the
	// session holding it, per spec §9's resolved open question (option b):
	// plumbed through to real bookkeeping, not stubbed.
	AddTempRoot(ctx context.Context, sessionID uint64, path storepath.StorePath) error

	// AddIndirectRoot registers an indirect GC root (a symlink on disk,
	// outside the store, whose target is a store path).
	AddIndirectRoot(ctx context.Context, linkPath string) error

	// ReleaseTempRoots drops every temp root a session registered, called
	// when its connection closes (spec §5 "Cancellation").
	ReleaseTempRoots(ctx context.Context, sessionID uint64) error

	// FindRoots returns the live GC roots known to the store, as a map of
	// root symlink path to the store path it keeps alive.
	FindRoots(ctx context.Context) (map[string]storepath.StorePath, error)

	// CollectGarbage implements the behaviors GCOptions.Action selects.
	// The mark-sweep deletion itself is explicitly out of scope (spec
	// Non-goals); CollectGarbage performs the liveness query faithfully
	// and returns ErrUnimplemented only for GCDeleteDead/GCDeleteSpecific.
	CollectGarbage(ctx context.Context, opts GCOptions) (GCResult, error)

	// BuildPaths is a named collaborator for sandboxed build execution,
	// explicitly out of scope (spec Non-goals): it always returns
	// ErrUnimplemented.
	BuildPaths(ctx context.Context, drvs []string, mode BuildMode) error

	// BuildDerivation is the OpBuildDerivation collaborator, equally out
	// of scope.
	BuildDerivation(ctx context.Context, drv *BasicDerivation, mode BuildMode) (BuildResult, error)

	// QueryMissing reports, for each path, whether it would need building
	// or substituting. With no substituter and no builder wired, every
	// path not already valid is reported Unknown.
	QueryMissing(ctx context.Context, paths []storepath.StorePath) (MissingInfo, error)

	// QueryDerivationOutputMap returns the known output-name to
	// realisation-path mapping for a derivation.
	QueryDerivationOutputMap(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error)

	// RegisterDrvOutput records a content-addressed realisation.
	RegisterDrvOutput(ctx context.Context, r Realisation) error

	// QueryRealisation looks up a realisation by derivation-output id.
	QueryRealisation(ctx context.Context, id string) (*Realisation, error)

	// AddBuildLog stores a build log under drvPath, for OpAddBuildLog.
	AddBuildLog(ctx context.Context, drvPath storepath.StorePath, log io.Reader) error

	// OptimiseStore and VerifyStore are maintenance collaborators working
	// over the backend's own records (deduplication, self-consistency
	// checks) without touching the GC or build subsystems the Non-goals
	// exclude. memstore's OptimiseStore is a no-op.
	OptimiseStore(ctx context.Context) error
	VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error)
}
