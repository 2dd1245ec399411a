package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials reads the SO_PEERCRED ancillary credentials the kernel
// attaches to a Unix domain socket connection.
func PeerCredentials(conn net.Conn) (uid, gid uint32, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, fmt.Errorf("peercred: not a unix socket connection (%T)", conn)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, err
	}

	var cred *unix.Ucred

	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}

	if err != nil {
		return 0, 0, fmt.Errorf("peercred: getsockopt SO_PEERCRED: %w", err)
	}

	return cred.Uid, cred.Gid, nil
}
