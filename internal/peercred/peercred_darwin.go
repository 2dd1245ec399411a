package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials reads the LOCAL_PEERCRED credentials BSD-derived kernels
// attach to a Unix domain socket connection. The uid is xucred's effective
// uid; the gid reported is the first entry of xucred's group list (0 if the
// list is empty).
func PeerCredentials(conn net.Conn) (uid, gid uint32, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, fmt.Errorf("peercred: not a unix socket connection (%T)", conn)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, err
	}

	var xucred *unix.Xucred

	ctrlErr := raw.Control(func(fd uintptr) {
		xucred, err = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}

	if err != nil {
		return 0, 0, fmt.Errorf("peercred: getsockopt LOCAL_PEERCRED: %w", err)
	}

	uid = xucred.Uid

	if xucred.Ngroups > 0 {
		gid = xucred.Groups[0]
	}

	return uid, gid, nil
}
