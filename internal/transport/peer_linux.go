//go:build linux

package transport

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the identity of a process connected over a UNIX
// domain socket, as reported by the kernel rather than anything the peer
// can claim for itself.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// PeerCredentialsOf reads SO_PEERCRED off conn. It only succeeds for UNIX
// domain sockets; TCP connections carry no kernel-verified identity.
func PeerCredentialsOf(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errNotUnixConn
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, credErr
	}
	return &PeerCredentials{PID: int(cred.Pid), UID: int(cred.Uid), GID: int(cred.Gid)}, nil
}

// VerifyPeerIsCurrentUser reports whether conn's peer process is running as
// the same local user as this daemon, the gate every control-socket
// privileged operation checks before acting.
func VerifyPeerIsCurrentUser(conn net.Conn) bool {
	cred, err := PeerCredentialsOf(conn)
	if err != nil {
		return false
	}
	return cred.UID == os.Getuid()
}
