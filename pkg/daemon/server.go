package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/nix-community/storedaemon/pkg/storepath"
)

// TrustResolver derives the trust level of an accepted connection, e.g. by
// inspecting SO_PEERCRED. internal/peercred provides the real
// implementation; tests can pass a constant function.
type TrustResolver func(conn net.Conn) (TrustLevel, uint32, string, error)

// AlwaysTrusted is a TrustResolver for listeners that do not need peer
// credential inspection (the --stdio relay, where the daemon already runs
// as the invoking user).
func AlwaysTrusted(net.Conn) (TrustLevel, uint32, string, error) {
	return TrustTrusted, 0, "", nil
}

// Server accepts worker-protocol connections and runs one Session per
// connection, the counterpart to Client's dial side. It is grounded on the
// teacher's Client type: same bufio framing, same context-cancellation
// shape, run in reverse.
type Server struct {
	Store          Store
	TrustResolver  TrustResolver
	TrustedKeys    []storepath.PublicKey
	Logger         *log.Logger

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer constructs a Server bound to store. Callers configure
// TrustResolver and TrustedKeys before calling Serve/ServeStdio.
func NewServer(store Store) *Server {
	return &Server{
		Store:         store,
		TrustResolver: AlwaysTrusted,
	}
}

func (srv *Server) logf(format string, args ...interface{}) {
	if srv.Logger != nil {
		srv.Logger.Printf(format, args...)
	}
}

// Serve accepts connections from l until ctx is cancelled or Accept fails,
// running each on its own goroutine. It returns nil when ctx is cancelled,
// mirroring net/http's graceful-shutdown convention.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	srv.mu.Lock()
	srv.listeners = append(srv.listeners, l)
	srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close() //nolint:errcheck // unblocks Accept below
	}()

	var wg sync.WaitGroup

	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()

			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("daemon: accept: %w", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			srv.handleConn(ctx, conn)
		}()
	}
}

// ServeStdio runs a single session over r/w instead of a socket connection,
// the --stdio relay spec §6 names for use under an SSH ProxyCommand or
// systemd socket activation's stdin handoff.
func (srv *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	trust, uid, userName, err := srv.TrustResolver(nil)
	if err != nil {
		return fmt.Errorf("daemon: stdio trust resolution: %w", err)
	}

	return srv.runSession(ctx, r, w, trust, uid, userName)
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // best-effort on a closing connection

	trust, uid, userName, err := srv.TrustResolver(conn)
	if err != nil {
		srv.logf("daemon: trust resolution for %s: %v", conn.RemoteAddr(), err)

		return
	}

	if err := srv.runSession(ctx, conn, conn, trust, uid, userName); err != nil && !errors.Is(err, io.EOF) {
		srv.logf("daemon: session error: %v", err)
	}
}

func (srv *Server) runSession(ctx context.Context, r io.Reader, w io.Writer, trust TrustLevel, uid uint32, userName string) error {
	s := NewSession(r, w, srv.Store)
	s.uid = uid
	s.userName = userName
	s.SetTrustedKeys(srv.TrustedKeys)

	if err := s.Handshake(trust); err != nil {
		return fmt.Errorf("daemon: handshake: %w", err)
	}

	srv.logf("daemon: session %d established (trust=%d uid=%d user=%q)", s.ID(), trust, uid, userName)

	return s.Serve(ctx)
}

// Close closes every listener Serve was handed. In-flight sessions are not
// interrupted; callers that need that should cancel the context passed to
// Serve instead.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	var err error

	for _, l := range srv.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}
