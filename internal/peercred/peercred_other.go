//go:build !linux && !darwin

package peercred

import (
	"fmt"
	"net"
)

// PeerCredentials is unsupported on this platform: there is no portable
// peer-credential syscall to fall back to, so callers get TrustUnknown and
// must configure trust another way (e.g. --stdio, always trusted).
func PeerCredentials(_ net.Conn) (uid, gid uint32, err error) {
	return 0, 0, fmt.Errorf("peercred: unsupported on this platform")
}
