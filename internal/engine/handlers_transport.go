package engine

import (
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleEstablishTransport opens a transport-logging session: the caller
// supplies a transport session key OAEP-wrapped under a loaded key's
// public half, authorized by that key's usage auth. There is no
// TPM_ExecuteTransport ordinal, and no handler calls
// session.Manager.ExtendTransportDigest, so commands are never wrapped
// or logged: the session's digest stays at its zero starting value until
// handleReleaseTransportSigned signs it.
func handleEstablishTransport(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	wrappedKey := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	transportKey, err := tpmcrypto.UnwrapWithTCPALabel(ent.Private, wrappedKey)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.DecryptError, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.DecryptError
	}

	transport, err := e.sessions.OpenTransport(transportKey)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Resources, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Resources
	}

	resp := newWriter().u32(transport.Handle).u8(e.locality).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleReleaseTransportSigned closes a transport session and returns a
// signature over its accumulated log digest bound to a caller-supplied
// anti-replay nonce, so the log's integrity can be checked by whoever
// requested the transport wrapping in the first place.
func handleReleaseTransportSigned(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	transportHandle := r.u32()
	keyHandle := r.u32()
	var antiReplay tpmcrypto.Digest
	copy(antiReplay[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	transport, err := e.sessions.Get(transportHandle)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.InvalidAuthHandle, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.InvalidAuthHandle
	}

	logDigest := tpmcrypto.SHA1(transport.TransportDigest[:], antiReplay[:])
	sig, err := tpmcrypto.SignPKCS1v15SHA1(ent.Private, logDigest)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}
	e.sessions.Close(transportHandle)

	resp := newWriter().raw(logDigest[:]).blob32(sig).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}
