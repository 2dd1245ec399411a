package daemon

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/multiformats/go-multihash"

	"github.com/nix-community/storedaemon/pkg/nar"
	"github.com/nix-community/storedaemon/pkg/storepath"
	"github.com/nix-community/storedaemon/pkg/wire"
)

// hashingCounter wraps a reader, accumulating a running SHA-256 digest and
// byte count of everything read through it. AddToStore needs both: the
// digest to derive the fixed-output path, the count as the registered
// NarSize, without a second pass over the archive (spec §9 "Hashing
// transparency").
type hashingCounter struct {
	r io.Reader
	h hash.Hash
	n uint64
}

func newHashingCounter(r io.Reader) *hashingCounter {
	return &hashingCounter{r: r, h: sha256.New()}
}

func (c *hashingCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.h.Write(p[:n])
	c.n += uint64(n)

	return n, err
}

func (c *hashingCounter) sum() [32]byte {
	var out [32]byte

	copy(out[:], c.h.Sum(nil))

	return out
}

// opHandler performs one worker-protocol operation: it has already consumed
// the Operation code off s.r and must read the rest of the request, do the
// work, call s.stopWork() exactly once it is safe to do so (before writing
// any response bytes, per original_source's start_work/stop_work bracket),
// then write the response payload.
type opHandler func(ctx context.Context, s *Session) error

//nolint:gochecknoglobals
var handlers = map[Operation]opHandler{
	OpSetOptions:               handleSetOptions,
	OpIsValidPath:              handleIsValidPath,
	OpQueryPathInfo:            handleQueryPathInfo,
	OpQueryPathFromHashPart:    handleQueryPathFromHashPart,
	OpQueryAllValidPaths:       handleQueryAllValidPaths,
	OpQueryValidPaths:          handleQueryValidPaths,
	OpQueryReferrers:           handleQueryReferrers,
	OpQueryValidDerivers:       handleQueryValidDerivers,
	OpQuerySubstitutablePaths:  handleQuerySubstitutablePaths,
	OpAddTempRoot:              handleAddTempRoot,
	OpAddIndirectRoot:          handleAddIndirectRoot,
	OpAddPermRoot:              handleAddPermRoot,
	OpFindRoots:                handleFindRoots,
	OpCollectGarbage:           handleCollectGarbage,
	OpAddSignatures:            handleAddSignatures,
	OpNarFromPath:              handleNarFromPath,
	OpAddToStoreNar:            handleAddToStoreNar,
	OpAddToStore:               handleAddToStore,
	OpAddMultipleToStore:       handleAddMultipleToStore,
	OpEnsurePath:               handleEnsurePath,
	OpBuildPaths:               handleBuildPaths,
	OpBuildPathsWithResults:    handleBuildPathsWithResults,
	OpBuildDerivation:          handleBuildDerivation,
	OpQueryMissing:             handleQueryMissing,
	OpQueryDerivationOutputMap: handleQueryDerivationOutputMap,
	OpRegisterDrvOutput:        handleRegisterDrvOutput,
	OpQueryRealisation:         handleQueryRealisation,
	OpAddBuildLog:              handleAddBuildLog,
	OpOptimiseStore:            handleOptimiseStore,
	OpVerifyStore:              handleVerifyStore,
}

// dispatch routes op to its handler, bracketing it with the stderr-channel
// error framing a failed handler needs. Unknown ops and handler errors are
// both reported to the client as a DaemonError rather than killing the
// connection, matching perform_op's per-operation error scope.
func (s *Session) dispatch(ctx context.Context, op Operation) error {
	handler, ok := handlers[op]
	if !ok {
		return s.failWork(op.String(), fmt.Errorf("daemon: unsupported operation %s", op))
	}

	if err := handler(ctx, s); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return s.failWork(op.String(), err)
	}

	return nil
}

func (s *Session) parsePath(str string) (storepath.StorePath, error) {
	return storepath.Parse(s.store.StoreDir(), str)
}

func (s *Session) parsePaths(strs []string) ([]storepath.StorePath, error) {
	out := make([]storepath.StorePath, len(strs))

	for i, str := range strs {
		p, err := s.parsePath(str)
		if err != nil {
			return nil, err
		}

		out[i] = p
	}

	return out, nil
}

func printPaths(paths []storepath.StorePath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}

	return out
}

func handleSetOptions(ctx context.Context, s *Session) error {
	settings, err := ReadClientSettings(s.r)
	if err != nil {
		return err
	}

	s.settings = settings

	if err := s.stopWork(); err != nil {
		return err
	}

	return nil
}

func handleIsValidPath(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "IsValidPath read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	valid, err := s.store.IsValidPath(ctx, path)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteBool(s.w, valid)
}

func handleQueryPathInfo(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryPathInfo read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	info, err := s.store.QueryPathInfo(ctx, path)

	found := err == nil

	if err != nil && !errors.Is(err, ErrPathNotFound) {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	if !found {
		return wire.WriteBool(s.w, false)
	}

	if err := wire.WriteBool(s.w, true); err != nil {
		return err
	}

	return WritePathInfo(s.w, toWirePathInfo(info))
}

func handleQueryPathFromHashPart(ctx context.Context, s *Session) error {
	hashPart, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryPathFromHashPart read hashPart", Err: err}
	}

	path, err := s.store.QueryPathFromHashPart(ctx, hashPart)

	found := err == nil

	if err != nil && !errors.Is(err, ErrPathNotFound) {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	if !found {
		return wire.WriteString(s.w, "")
	}

	return wire.WriteString(s.w, path.String())
}

func handleQueryAllValidPaths(ctx context.Context, s *Session) error {
	paths, err := s.store.QueryAllValidPaths(ctx)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return WriteStrings(s.w, printPaths(paths))
}

func handleQueryValidPaths(ctx context.Context, s *Session) error {
	strs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryValidPaths read paths", Err: err}
	}

	if _, err := wire.ReadBool(s.r); err != nil { // substituteOk, no substituter is wired
		return &ProtocolError{Op: "QueryValidPaths read substituteOk", Err: err}
	}

	paths, err := s.parsePaths(strs)
	if err != nil {
		return err
	}

	var valid []storepath.StorePath

	for _, p := range paths {
		ok, err := s.store.IsValidPath(ctx, p)
		if err != nil {
			return err
		}

		if ok {
			valid = append(valid, p)
		}
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return WriteStrings(s.w, printPaths(valid))
}

func handleQueryReferrers(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryReferrers read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	referrers, err := s.store.QueryReferrers(ctx, path)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return WriteStrings(s.w, printPaths(referrers))
}

func handleQueryValidDerivers(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryValidDerivers read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	derivers, err := s.store.QueryValidDerivers(ctx, path)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return WriteStrings(s.w, printPaths(derivers))
}

func handleQuerySubstitutablePaths(ctx context.Context, s *Session) error {
	strs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QuerySubstitutablePaths read paths", Err: err}
	}

	paths, err := s.parsePaths(strs)
	if err != nil {
		return err
	}

	substitutable, err := s.store.QuerySubstitutablePaths(ctx, paths)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return WriteStrings(s.w, printPaths(substitutable))
}

func handleAddTempRoot(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddTempRoot read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	if err := s.store.AddTempRoot(ctx, s.id, path); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleAddIndirectRoot(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddIndirectRoot read path", Err: err}
	}

	if err := s.store.AddIndirectRoot(ctx, str); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleAddPermRoot(ctx context.Context, s *Session) error {
	storePathStr, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddPermRoot read storePath", Err: err}
	}

	gcRoot, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddPermRoot read gcRoot", Err: err}
	}

	if _, err := s.parsePath(storePathStr); err != nil {
		return err
	}

	if err := s.store.AddIndirectRoot(ctx, gcRoot); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteString(s.w, gcRoot)
}

func handleFindRoots(ctx context.Context, s *Session) error {
	roots, err := s.store.FindRoots(ctx)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	m := make(map[string]string, len(roots))
	for link, target := range roots {
		m[link] = target.String()
	}

	return WriteStringMap(s.w, m)
}

func handleCollectGarbage(ctx context.Context, s *Session) error {
	action, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "CollectGarbage read action", Err: err}
	}

	pathsToDelete, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "CollectGarbage read pathsToDelete", Err: err}
	}

	ignoreLiveness, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "CollectGarbage read ignoreLiveness", Err: err}
	}

	maxFreed, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "CollectGarbage read maxFreed", Err: err}
	}

	for i := 0; i < 3; i++ { // deprecated fields
		if _, err := wire.ReadUint64(s.r); err != nil {
			return &ProtocolError{Op: "CollectGarbage read deprecated field", Err: err}
		}
	}

	opts := GCOptions{
		Action:         GCAction(action),
		PathsToDelete:  pathsToDelete,
		IgnoreLiveness: ignoreLiveness,
		MaxFreed:       maxFreed,
	}

	result, err := s.store.CollectGarbage(ctx, opts)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	if err := WriteStrings(s.w, result.Paths); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, result.BytesFreed); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 0) // deprecated field
}

func handleAddSignatures(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddSignatures read path", Err: err}
	}

	sigs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddSignatures read sigs", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	if err := s.store.AddSignatures(ctx, path, sigs); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleNarFromPath(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "NarFromPath read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	if _, err := s.store.QueryPathInfo(ctx, path); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return nar.Export(s.w, path.String())
}

// storeDestination adapts a Store's filesystem emitters to the nar.Destination
// contract that nar.Ingest drives during extraction, relative to a single
// scratch destDir.
type storeDestination struct {
	ctx     context.Context
	store   Store
	destDir string
}

func (d storeDestination) MakeDirectory(path string) error {
	return d.store.MakeDirectory(d.ctx, d.destDir, path)
}

func (d storeDestination) CreateFile(path string, size int64, executable bool) (io.WriteCloser, error) {
	return d.store.CreateFile(d.ctx, d.destDir, path, size, executable)
}

func (d storeDestination) MakeSymlink(path, target string) error {
	return d.store.MakeSymlink(d.ctx, d.destDir, path, target)
}

func handleAddToStoreNar(ctx context.Context, s *Session) error {
	wireInfo, err := ReadPathInfoFull(s.r)
	if err != nil {
		return err
	}

	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddToStoreNar read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddToStoreNar read dontCheckSigs", Err: err}
	}

	if !s.isTrusted() {
		dontCheckSigs = false
		wireInfo.Ultimate = false
	}

	info, err := fromWirePathInfo(s.store.StoreDir(), wireInfo)
	if err != nil {
		return err
	}

	framed := NewFramedReader(s.r)

	if err := ingestAndRegister(ctx, s.store, info, framed, repair, !dontCheckSigs, s.trustedKeys); err != nil {
		return err
	}

	return s.stopWork()
}

// ingestAndRegister extracts an archive from src into a fresh scratch
// directory, verifies signatures unless skipCheckSigs, renames the scratch
// directory into its final store location, and registers it, following
// original_source's add_to_store_nar/parse_dump discipline: temp extraction
// first, registration last.
func ingestAndRegister(
	ctx context.Context, store Store, info storepath.ValidPathInfo, src io.Reader,
	repair bool, checkSigs bool, keys []storepath.PublicKey,
) error {
	if checkSigs && !info.IsContentAddressed() {
		good, err := storepath.CheckSignatures(info, keys)
		if err != nil {
			return err
		}

		if good == 0 {
			return fmt.Errorf("daemon: %s: no valid signature and signature checking is not disabled", info.Path)
		}
	}

	alreadyValid, err := store.IsValidPath(ctx, info.Path)
	if err != nil {
		return err
	}

	if alreadyValid && !repair {
		return nil
	}

	tmp := store.TempExtractionDir(info.Path.HashPart + "-" + info.Path.Name)

	if err := store.RemoveAll(ctx, tmp); err != nil {
		return err
	}

	dest := storeDestination{ctx: ctx, store: store, destDir: tmp}

	if err := nar.Ingest(src, dest); err != nil {
		store.RemoveAll(ctx, tmp) //nolint:errcheck // best-effort cleanup of a partial extraction

		return err
	}

	if err := store.DeletePath(ctx, info.Path); err != nil {
		return err
	}

	if err := store.Rename(ctx, tmp, info.Path.String()); err != nil {
		return err
	}

	return store.RegisterPath(ctx, info)
}

func handleAddToStore(ctx context.Context, s *Session) error {
	baseName, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read baseName", Err: err}
	}

	fixed, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read fixed", Err: err}
	}

	methodRaw, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read method", Err: err}
	}

	hashAlgo, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddToStore read hashAlgo", Err: err}
	}

	method := storepath.FileIngestionMethod(methodRaw)

	if !fixed { // compatibility hack from original_source: non-fixed always hashes recursively as sha256
		hashAlgo = "sha256"
		method = storepath.FileIngestionRecursive
	}

	code, err := resolveHashAlgo(hashAlgo)
	if err != nil {
		return err
	}

	if code != multihash.SHA2_256 {
		return fmt.Errorf("daemon: unsupported hash algorithm %q: only sha256 fixed-output paths are implemented", hashAlgo)
	}

	tmp := s.store.TempExtractionDir(baseName)

	if err := s.store.RemoveAll(ctx, tmp); err != nil {
		return err
	}

	dest := storeDestination{ctx: ctx, store: s.store, destDir: tmp}

	hc := newHashingCounter(s.r)

	if err := nar.Ingest(hc, dest); err != nil {
		s.store.RemoveAll(ctx, tmp) //nolint:errcheck // best-effort cleanup of a partial extraction

		return err
	}

	digest := hc.sum()

	path, err := storepath.MakeFixedOutputPath(s.store.StoreDir(), method, storepath.SHA256Hash(digest), baseName, nil, false)
	if err != nil {
		return err
	}

	if err := s.store.AddTempRoot(ctx, s.id, path); err != nil {
		return err
	}

	if err := s.store.DeletePath(ctx, path); err != nil {
		return err
	}

	if err := s.store.Rename(ctx, tmp, path.String()); err != nil {
		return err
	}

	info := storepath.ValidPathInfo{
		Path:       path,
		NarHash:    storepath.SHA256Hash(digest),
		NarSize:    hc.n,
		HasNarSize: true,
		Ultimate:   s.isTrusted(),
	}

	if err := s.store.RegisterPath(ctx, info); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteString(s.w, path.String())
}

func handleAddMultipleToStore(ctx context.Context, s *Session) error {
	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddMultipleToStore read repair", Err: err}
	}

	dontCheckSigs, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "AddMultipleToStore read dontCheckSigs", Err: err}
	}

	if !s.isTrusted() {
		dontCheckSigs = false
	}

	framed := NewFramedReader(s.r)

	count, err := wire.ReadUint64(framed)
	if err != nil {
		return &ProtocolError{Op: "AddMultipleToStore read count", Err: err}
	}

	for i := uint64(0); i < count; i++ {
		wireInfo, err := ReadPathInfoFull(framed)
		if err != nil {
			return err
		}

		if !s.isTrusted() {
			wireInfo.Ultimate = false
		}

		info, err := fromWirePathInfo(s.store.StoreDir(), wireInfo)
		if err != nil {
			return err
		}

		if err := ingestAndRegister(ctx, s.store, info, framed, repair, !dontCheckSigs, s.trustedKeys); err != nil {
			return err
		}
	}

	return s.stopWork()
}

func handleEnsurePath(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "EnsurePath read path", Err: err}
	}

	path, err := s.parsePath(str)
	if err != nil {
		return err
	}

	valid, err := s.store.IsValidPath(ctx, path)
	if err != nil {
		return err
	}

	if !valid {
		return fmt.Errorf("daemon: %s is not valid and no builder or substituter is wired", path)
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleBuildPaths(ctx context.Context, s *Session) error {
	drvs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read drvs", Err: err}
	}

	mode, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "BuildPaths read mode", Err: err}
	}

	if err := s.store.BuildPaths(ctx, drvs, BuildMode(mode)); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleBuildPathsWithResults(ctx context.Context, s *Session) error {
	drvs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "BuildPathsWithResults read drvs", Err: err}
	}

	mode, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "BuildPathsWithResults read mode", Err: err}
	}

	if err := s.store.BuildPaths(ctx, drvs, BuildMode(mode)); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, uint64(len(drvs))); err != nil {
		return err
	}

	for _, drv := range drvs {
		if err := wire.WriteString(s.w, drv); err != nil {
			return err
		}

		result := BuildResult{Status: BuildStatusMiscFailure, ErrorMsg: ErrUnimplemented.Error()}
		if err := writeBuildResult(s.w, &result); err != nil {
			return err
		}
	}

	return nil
}

func handleBuildDerivation(ctx context.Context, s *Session) error {
	drvPath, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "BuildDerivation read drvPath", Err: err}
	}

	drv, err := readBasicDerivation(s.r)
	if err != nil {
		return err
	}

	mode, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "BuildDerivation read mode", Err: err}
	}

	if _, err := s.parsePath(drvPath); err != nil {
		return err
	}

	result, err := s.store.BuildDerivation(ctx, drv, BuildMode(mode))
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return writeBuildResult(s.w, &result)
}

func handleQueryMissing(ctx context.Context, s *Session) error {
	strs, err := ReadStrings(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryMissing read paths", Err: err}
	}

	paths, err := s.parsePaths(strs)
	if err != nil {
		return err
	}

	info, err := s.store.QueryMissing(ctx, paths)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	if err := WriteStrings(s.w, info.WillBuild); err != nil {
		return err
	}

	if err := WriteStrings(s.w, info.WillSubstitute); err != nil {
		return err
	}

	if err := WriteStrings(s.w, info.Unknown); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, info.DownloadSize); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, info.NarSize)
}

func handleQueryDerivationOutputMap(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryDerivationOutputMap read drvPath", Err: err}
	}

	drvPath, err := s.parsePath(str)
	if err != nil {
		return err
	}

	outputs, err := s.store.QueryDerivationOutputMap(ctx, drvPath)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	m := make(map[string]string, len(outputs))
	for name, path := range outputs {
		m[name] = path.String()
	}

	return WriteStringMap(s.w, m)
}

func handleRegisterDrvOutput(ctx context.Context, s *Session) error {
	realisationID, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "RegisterDrvOutput read realisation", Err: err}
	}

	if err := s.store.RegisterDrvOutput(ctx, Realisation{ID: realisationID}); err != nil {
		return err
	}

	return s.stopWork()
}

func handleQueryRealisation(ctx context.Context, s *Session) error {
	id, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "QueryRealisation read id", Err: err}
	}

	realisation, err := s.store.QueryRealisation(ctx, id)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	var out []string
	if realisation != nil {
		out = []string{realisation.OutPath}
	}

	return WriteStrings(s.w, out)
}

func handleAddBuildLog(ctx context.Context, s *Session) error {
	str, err := wire.ReadString(s.r, MaxStringSize)
	if err != nil {
		return &ProtocolError{Op: "AddBuildLog read drvPath", Err: err}
	}

	drvPath, err := s.parsePath(str)
	if err != nil {
		return err
	}

	framed := NewFramedReader(s.r)

	if err := s.store.AddBuildLog(ctx, drvPath, framed); err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteUint64(s.w, 1)
}

func handleOptimiseStore(ctx context.Context, s *Session) error {
	if err := s.store.OptimiseStore(ctx); err != nil {
		return err
	}

	return s.stopWork()
}

func handleVerifyStore(ctx context.Context, s *Session) error {
	checkContents, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "VerifyStore read checkContents", Err: err}
	}

	repair, err := wire.ReadBool(s.r)
	if err != nil {
		return &ProtocolError{Op: "VerifyStore read repair", Err: err}
	}

	errorsFound, err := s.store.VerifyStore(ctx, checkContents, repair)
	if err != nil {
		return err
	}

	if err := s.stopWork(); err != nil {
		return err
	}

	return wire.WriteBool(s.w, errorsFound)
}

func writeBuildResult(w io.Writer, r *BuildResult) error {
	if err := wire.WriteUint64(w, uint64(r.Status)); err != nil {
		return err
	}

	if err := wire.WriteString(w, r.ErrorMsg); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, r.TimesBuilt); err != nil {
		return err
	}

	if err := wire.WriteBool(w, r.IsNonDeterministic); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, r.StartTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, r.StopTime); err != nil {
		return err
	}

	if err := wire.WriteUint64(w, uint64(len(r.BuiltOutputs))); err != nil {
		return err
	}

	for name, real := range r.BuiltOutputs {
		if err := wire.WriteString(w, name); err != nil {
			return err
		}

		if err := wire.WriteString(w, real.ID); err != nil {
			return err
		}
	}

	return nil
}

func readBasicDerivation(r io.Reader) (*BasicDerivation, error) {
	count, err := wire.ReadUint64(r)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation outputs count", Err: err}
	}

	outputs := make(map[string]DerivationOutput, count)

	for i := uint64(0); i < count; i++ {
		name, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output name", Err: err}
		}

		path, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output path", Err: err}
		}

		hashAlgo, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output hashAlgo", Err: err}
		}

		hash, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return nil, &ProtocolError{Op: "read basic derivation output hash", Err: err}
		}

		outputs[name] = DerivationOutput{Path: path, HashAlgorithm: hashAlgo, Hash: hash}
	}

	inputs, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation inputs", Err: err}
	}

	platform, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation platform", Err: err}
	}

	builder, err := wire.ReadString(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation builder", Err: err}
	}

	args, err := ReadStrings(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation args", Err: err}
	}

	env, err := ReadStringMap(r, MaxStringSize)
	if err != nil {
		return nil, &ProtocolError{Op: "read basic derivation env", Err: err}
	}

	return &BasicDerivation{
		Outputs:  outputs,
		Inputs:   inputs,
		Platform: platform,
		Builder:  builder,
		Args:     args,
		Env:      env,
	}, nil
}
