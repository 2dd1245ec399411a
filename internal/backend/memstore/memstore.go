// Package memstore implements daemon.Store entirely in memory, guarded by
// a single mutex. It exists for tests and for the --ephemeral CLI mode; it
// keeps no state on disk and loses everything on process exit.
package memstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nix-community/storedaemon/pkg/daemon"
	"github.com/nix-community/storedaemon/pkg/storepath"
)

// Store is an in-memory daemon.Store. The zero value is not usable; call
// New.
type Store struct {
	storeDir string
	tempDir  string

	mu          sync.Mutex
	paths       map[string]storepath.ValidPathInfo // keyed by StorePath.String()
	hashIndex   map[string]string                   // hash part -> full store path string
	referrers   map[string]map[string]struct{}      // path -> set of paths referencing it
	roots       map[string]storepath.StorePath      // link path -> target
	tempRoots   map[uint64]map[string]struct{}      // session ID -> set of store paths
	drvOutputs  map[string]daemon.Realisation       // realisation id -> realisation
	buildLogs   map[string][]byte                   // drv path -> log bytes
	users       map[uint32]string
}

// New constructs an empty Store rooted at storeDir, using tempDir as its
// scratch extraction area (created on demand).
func New(storeDir, tempDir string) *Store {
	return &Store{
		storeDir:   storeDir,
		tempDir:    tempDir,
		paths:      make(map[string]storepath.ValidPathInfo),
		hashIndex:  make(map[string]string),
		referrers:  make(map[string]map[string]struct{}),
		roots:      make(map[string]storepath.StorePath),
		tempRoots:  make(map[uint64]map[string]struct{}),
		drvOutputs: make(map[string]daemon.Realisation),
		buildLogs:  make(map[string][]byte),
		users:      make(map[uint32]string),
	}
}

func (s *Store) StoreDir() string { return s.storeDir }

func (s *Store) CreateUser(_ context.Context, userName string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[uid] = userName

	return nil
}

func (s *Store) IsValidPath(_ context.Context, path storepath.StorePath) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.paths[path.String()]

	return ok, nil
}

func (s *Store) QueryPathInfo(_ context.Context, path storepath.StorePath) (storepath.ValidPathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.paths[path.String()]
	if !ok {
		return storepath.ValidPathInfo{}, daemon.ErrPathNotFound
	}

	return info, nil
}

func (s *Store) QueryPathFromHashPart(_ context.Context, hashPart string) (storepath.StorePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, ok := s.hashIndex[hashPart]
	if !ok {
		return storepath.StorePath{}, daemon.ErrPathNotFound
	}

	return s.paths[full].Path, nil
}

func (s *Store) QueryAllValidPaths(_ context.Context) ([]storepath.StorePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storepath.StorePath, 0, len(s.paths))
	for _, info := range s.paths {
		out = append(out, info.Path)
	}

	sortPaths(out)

	return out, nil
}

func (s *Store) QueryReferrers(_ context.Context, path storepath.StorePath) ([]storepath.StorePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.referrers[path.String()]

	out := make([]storepath.StorePath, 0, len(set))
	for ref := range set {
		out = append(out, s.paths[ref].Path)
	}

	sortPaths(out)

	return out, nil
}

func (s *Store) QueryValidDerivers(_ context.Context, path storepath.StorePath) ([]storepath.StorePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storepath.StorePath

	for _, info := range s.paths {
		if info.Deriver != nil && *info.Deriver == path {
			out = append(out, info.Path)
		}
	}

	sortPaths(out)

	return out, nil
}

// QuerySubstitutablePaths always returns no matches: no substituter is
// wired into this daemon (spec Non-goals).
func (s *Store) QuerySubstitutablePaths(_ context.Context, _ []storepath.StorePath) ([]storepath.StorePath, error) {
	return nil, nil
}

func (s *Store) RegisterPath(_ context.Context, info storepath.ValidPathInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := info.Path.String()
	s.paths[key] = info
	s.hashIndex[info.Path.HashPart] = key

	for _, ref := range info.References {
		refKey := ref.String()
		if s.referrers[refKey] == nil {
			s.referrers[refKey] = make(map[string]struct{})
		}

		s.referrers[refKey][key] = struct{}{}
	}

	return nil
}

func (s *Store) DeletePath(_ context.Context, path storepath.StorePath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := path.String()

	info, ok := s.paths[key]
	if !ok {
		return nil
	}

	for _, ref := range info.References {
		delete(s.referrers[ref.String()], key)
	}

	delete(s.paths, key)
	delete(s.hashIndex, path.HashPart)

	return os.RemoveAll(key)
}

func (s *Store) AddSignatures(_ context.Context, path storepath.StorePath, sigs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := path.String()

	info, ok := s.paths[key]
	if !ok {
		return daemon.ErrPathNotFound
	}

	info.Sigs = append(info.Sigs, sigs...)
	s.paths[key] = info

	return nil
}

func (s *Store) MakeDirectory(_ context.Context, destDir, relPath string) error {
	return os.MkdirAll(filepath.Join(destDir, relPath), 0o755)
}

func (s *Store) CreateFile(_ context.Context, destDir, relPath string, _ int64, executable bool) (io.WriteCloser, error) {
	full := filepath.Join(destDir, relPath)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}

	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}

	return os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
}

func (s *Store) MakeSymlink(_ context.Context, destDir, relPath, target string) error {
	full := filepath.Join(destDir, relPath)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	return os.Symlink(target, full)
}

func (s *Store) TempExtractionDir(name string) string {
	return filepath.Join(s.tempDir, name)
}

func (s *Store) RemoveAll(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (s *Store) Rename(_ context.Context, oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}

	return os.Rename(oldPath, newPath)
}

func (s *Store) AddTempRoot(_ context.Context, sessionID uint64, path storepath.StorePath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tempRoots[sessionID] == nil {
		s.tempRoots[sessionID] = make(map[string]struct{})
	}

	s.tempRoots[sessionID][path.String()] = struct{}{}

	return nil
}

func (s *Store) AddIndirectRoot(_ context.Context, linkPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := os.Readlink(linkPath)
	if err != nil {
		return fmt.Errorf("memstore: add indirect root: %w", err)
	}

	path, err := storepath.Parse(s.storeDir, target)
	if err != nil {
		return err
	}

	s.roots[linkPath] = path

	return nil
}

func (s *Store) ReleaseTempRoots(_ context.Context, sessionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tempRoots, sessionID)

	return nil
}

func (s *Store) FindRoots(_ context.Context) (map[string]storepath.StorePath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]storepath.StorePath, len(s.roots))
	for link, target := range s.roots {
		out[link] = target
	}

	return out, nil
}

// CollectGarbage answers the liveness queries (GCReturnLive/GCReturnDead)
// faithfully; the two deletion actions are out of scope (spec Non-goals).
func (s *Store) CollectGarbage(_ context.Context, opts daemon.GCOptions) (daemon.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]struct{})

	for _, target := range s.roots {
		live[target.String()] = struct{}{}
	}

	for _, set := range s.tempRoots {
		for p := range set {
			live[p] = struct{}{}
		}
	}

	switch opts.Action {
	case daemon.GCReturnLive:
		out := make([]string, 0, len(live))
		for p := range live {
			out = append(out, p)
		}

		sort.Strings(out)

		return daemon.GCResult{Paths: out}, nil

	case daemon.GCReturnDead:
		var out []string

		for key := range s.paths {
			if _, ok := live[key]; !ok {
				out = append(out, key)
			}
		}

		sort.Strings(out)

		return daemon.GCResult{Paths: out}, nil

	default:
		return daemon.GCResult{}, daemon.ErrUnimplemented
	}
}

func (s *Store) BuildPaths(_ context.Context, _ []string, _ daemon.BuildMode) error {
	return daemon.ErrUnimplemented
}

func (s *Store) BuildDerivation(_ context.Context, _ *daemon.BasicDerivation, _ daemon.BuildMode) (daemon.BuildResult, error) {
	return daemon.BuildResult{}, daemon.ErrUnimplemented
}

func (s *Store) QueryMissing(_ context.Context, paths []storepath.StorePath) (daemon.MissingInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unknown []string

	for _, p := range paths {
		if _, ok := s.paths[p.String()]; !ok {
			unknown = append(unknown, p.String())
		}
	}

	return daemon.MissingInfo{Unknown: unknown}, nil
}

func (s *Store) QueryDerivationOutputMap(_ context.Context, _ storepath.StorePath) (map[string]storepath.StorePath, error) {
	return map[string]storepath.StorePath{}, nil
}

func (s *Store) RegisterDrvOutput(_ context.Context, r daemon.Realisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drvOutputs[r.ID] = r

	return nil
}

func (s *Store) QueryRealisation(_ context.Context, id string) (*daemon.Realisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.drvOutputs[id]
	if !ok {
		return nil, nil //nolint:nilnil // "no realisation known" is a valid, non-error outcome
	}

	return &r, nil
}

func (s *Store) AddBuildLog(_ context.Context, drvPath storepath.StorePath, log io.Reader) error {
	data, err := io.ReadAll(log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buildLogs[drvPath.String()] = data

	return nil
}

// OptimiseStore is a no-op: there is no on-disk dedup state to reclaim
// in-memory.
func (s *Store) OptimiseStore(_ context.Context) error {
	return nil
}

// VerifyStore checks that every registered path's references point at
// another registered path, reporting true if any dangling reference is
// found. repair is accepted but unused: there is nothing on disk to repair
// for an in-memory store.
func (s *Store) VerifyStore(_ context.Context, _, _ bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errorsFound bool

	for _, info := range s.paths {
		for _, ref := range info.References {
			if _, ok := s.paths[ref.String()]; !ok {
				errorsFound = true
			}
		}
	}

	return errorsFound, nil
}

func sortPaths(paths []storepath.StorePath) {
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].String() < paths[j].String()
	})
}

var _ daemon.Store = (*Store)(nil)
