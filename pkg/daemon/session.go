package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/nix-community/storedaemon/pkg/storepath"
	"github.com/nix-community/storedaemon/pkg/wire"
)

// nextSessionID hands out the process-unique session identifiers used to
// key a Store's temp-root bookkeeping (spec §5 "Cancellation").
//
//nolint:gochecknoglobals
var nextSessionID atomic.Uint64

// Session is one accepted connection's worker-protocol state, the server
// counterpart to Client. It is grounded on original_source's Connection
// struct (trusted, con, uid, u_name, store) translated into the teacher's
// bufio.Reader/Writer shape.
type Session struct {
	id    uint64
	r     *bufio.Reader
	w     *bufio.Writer
	store Store
	log   *logWriter

	trust    TrustLevel
	uid      uint32
	userName string

	settings *ClientSettings

	version uint64

	trustedKeys []storepath.PublicKey
}

// SetTrustedKeys configures the Ed25519 public keys used to verify
// signatures on incoming store paths, per spec §4.C. Sessions default to no
// trusted keys, meaning unsigned non-content-addressed imports are
// rejected unless dontCheckSigs is honored (trusted clients only).
func (s *Session) SetTrustedKeys(keys []storepath.PublicKey) {
	s.trustedKeys = keys
}

// NewSession wraps conn's framed I/O in a Session bound to store. The
// caller still must call Handshake before Serve.
func NewSession(conn io.Reader, connW io.Writer, store Store) *Session {
	s := &Session{
		id:       nextSessionID.Add(1),
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(connW),
		store:    store,
		settings: DefaultClientSettings(),
	}

	s.log = newLogWriter(s.w)

	return s
}

// ID returns the session's process-unique identifier, used as the key for
// temp-root bookkeeping in the Store backend.
func (s *Session) ID() uint64 { return s.id }

// daemonNixVersion is the version string this daemon reports during the
// handshake, in the same slot the teacher's Client reads DaemonNixVersion
// from.
const daemonNixVersion = "storedaemon 1.0"

// Handshake performs the server side of the worker protocol handshake:
// read ClientMagic, write ServerMagic + ProtocolVersion, read the client's
// negotiated version and (for version >= 0x10a) its two feature flags,
// then write the daemon version string and trust level. It mirrors
// handshakeWithBufIO's client role in reverse.
func (s *Session) Handshake(trust TrustLevel) error {
	s.trust = trust

	clientMagic, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "handshake read client magic", Err: err}
	}

	if clientMagic != ClientMagic {
		return &ProtocolError{
			Op:  "handshake validate client magic",
			Err: fmt.Errorf("expected %#x, got %#x", ClientMagic, clientMagic),
		}
	}

	if err := wire.WriteUint64(s.w, ServerMagic); err != nil {
		return &ProtocolError{Op: "handshake write server magic", Err: err}
	}

	if err := wire.WriteUint64(s.w, ProtocolVersion); err != nil {
		return &ProtocolError{Op: "handshake write server version", Err: err}
	}

	if err := s.w.Flush(); err != nil {
		return &ProtocolError{Op: "handshake flush server greeting", Err: err}
	}

	clientVersion, err := wire.ReadUint64(s.r)
	if err != nil {
		return &ProtocolError{Op: "handshake read client version", Err: err}
	}

	negotiated := clientVersion
	if ProtocolVersion < negotiated {
		negotiated = ProtocolVersion
	}

	s.version = negotiated

	if negotiated >= 0x10a {
		if _, err := wire.ReadBool(s.r); err != nil { // cpu affinity, ignored
			return &ProtocolError{Op: "handshake read cpu affinity", Err: err}
		}

		if _, err := wire.ReadBool(s.r); err != nil { // reserve space, ignored
			return &ProtocolError{Op: "handshake read reserve space", Err: err}
		}
	}

	if err := wire.WriteString(s.w, daemonNixVersion); err != nil {
		return &ProtocolError{Op: "handshake write daemon version", Err: err}
	}

	if err := wire.WriteUint64(s.w, uint64(s.trust)); err != nil {
		return &ProtocolError{Op: "handshake write trust level", Err: err}
	}

	return s.w.Flush()
}

// Serve runs the dispatch loop for the life of the connection. It first
// registers the session's uid with the backend (original_source's
// Connection::run -> store.create_user), matching spec §4.H, then loops
// reading Operation codes until the client disconnects or a transport
// error occurs. On exit it releases every temp root the session
// registered (spec §5 "Cancellation").
func (s *Session) Serve(ctx context.Context) error {
	if err := s.store.CreateUser(ctx, s.userName, s.uid); err != nil {
		return err
	}

	defer func() {
		_ = s.store.ReleaseTempRoots(ctx, s.id)
	}()

	for {
		op, err := wire.ReadUint64(s.r)
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return &ProtocolError{Op: "read operation", Err: err}
		}

		if err := s.dispatch(ctx, Operation(op)); err != nil {
			return err
		}

		if err := s.w.Flush(); err != nil {
			return &ProtocolError{Op: "flush response", Err: err}
		}
	}
}

// stopWork finishes an operation's stderr channel cleanly. Unlike
// original_source's Connection, this daemon never emits progress frames
// before a handler finishes, so there is no corresponding startWork write.
func (s *Session) stopWork() error {
	return s.log.WriteStopWork()
}

// failWork finishes an operation's stderr channel with a DaemonError,
// translating err if it is not already one.
func (s *Session) failWork(op string, err error) error {
	derr, ok := err.(*DaemonError) //nolint:errorlint // daemon handlers construct DaemonError directly
	if !ok {
		derr = &DaemonError{
			Type:    "Error",
			Level:   uint64(VerbError),
			Name:    op,
			Message: err.Error(),
		}
	}

	return s.log.WriteError(derr)
}

// isTrusted reports whether the session's client may assert ultimate/
// unchecked-signature metadata, per spec §4.H.
func (s *Session) isTrusted() bool {
	return s.trust == TrustTrusted
}
