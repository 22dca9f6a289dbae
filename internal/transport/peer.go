package transport

import "errors"

// errNotUnixConn is returned by PeerCredentialsOf for any connection that
// is not a UNIX domain socket (TCP carries no kernel-verified peer
// identity to read).
var errNotUnixConn = errors.New("transport: not a unix domain connection")
