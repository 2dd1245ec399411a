// Package peercred derives a connecting client's trust level from the
// credentials the kernel attaches to a Unix domain socket connection
// (SO_PEERCRED on Linux, LOCAL_PEERCRED on Darwin; other platforms report
// the lookup as unsupported),
// grounded on original_source's trusted-users/trusted-groups check in
// daemon.cc's peer credential lookup.
package peercred

import (
	"fmt"
	"net"
	"os/user"
	"strconv"

	"github.com/nix-community/storedaemon/pkg/daemon"
)

// Policy decides the TrustLevel for a uid/gid pair, mirroring
// original_source's isTrustedUser: uid 0 and any uid/group named in
// trustedUsers/trustedGroups are Trusted, everyone else is NotTrusted.
type Policy struct {
	TrustedUsers  map[string]struct{}
	TrustedGroups map[string]struct{}
}

// NewPolicy builds a Policy from nix.conf-style trusted-users/
// trusted-groups lists (see internal/config).
func NewPolicy(trustedUsers, trustedGroups []string) Policy {
	p := Policy{
		TrustedUsers:  make(map[string]struct{}, len(trustedUsers)),
		TrustedGroups: make(map[string]struct{}, len(trustedGroups)),
	}

	for _, u := range trustedUsers {
		p.TrustedUsers[u] = struct{}{}
	}

	for _, g := range trustedGroups {
		p.TrustedGroups[g] = struct{}{}
	}

	return p
}

// Resolve looks up conn's peer credentials and classifies them per p. It
// satisfies daemon.TrustResolver.
func (p Policy) Resolve(conn net.Conn) (daemon.TrustLevel, uint32, string, error) {
	uid, gid, err := PeerCredentials(conn)
	if err != nil {
		return daemon.TrustUnknown, 0, "", fmt.Errorf("peercred: %w", err)
	}

	userName := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(userName); err == nil {
		userName = u.Username
	}

	if uid == 0 {
		return daemon.TrustTrusted, uid, userName, nil
	}

	if _, ok := p.TrustedUsers[userName]; ok {
		return daemon.TrustTrusted, uid, userName, nil
	}

	if groupName, ok := lookupGroupName(gid); ok {
		if _, ok := p.TrustedGroups[groupName]; ok {
			return daemon.TrustTrusted, uid, userName, nil
		}
	}

	return daemon.TrustNotTrusted, uid, userName, nil
}

func lookupGroupName(gid uint32) (string, bool) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return "", false
	}

	return g.Name, true
}
