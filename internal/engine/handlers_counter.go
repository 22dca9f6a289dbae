package engine

import (
	"tpmd/internal/counter"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleCreateCounter establishes a new monotonic counter under owner
// authorization.
func handleCreateCounter(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	var label [4]byte
	copy(label[:], r.bytes(4))
	var auth tpmcrypto.Digest
	copy(auth[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	c, err := e.counters.CreateCounter(label, auth)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.NoSpace, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.NoSpace
	}

	resp := newWriter().u32(c.ID).u32(c.Value).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleIncrementCounter bumps a counter, subject to its rate limit —
// ErrTooSoon maps to TPM_RETRY so the caller backs off and retries rather
// than treating the window as a hard failure.
func handleIncrementCounter(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	id := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyForKey(id))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	value, err := e.counters.Increment(id)
	var failRC wire.ReturnCode
	switch err {
	case nil:
		failRC = wire.Success
	case counter.ErrTooSoon:
		failRC = wire.Retry
	case counter.ErrCounterNotFound:
		failRC = wire.BadCounter
	default:
		failRC = wire.Fail
	}
	var resp []byte
	if failRC == wire.Success {
		resp = newWriter().u32(id).u32(value).bytes()
	}
	out := e.finishAuth(sess, ordinal, failRC, resp, trailer, e.ownerAuth, failRC == wire.Success && trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, failRC
}

// handleReadCounter reads a counter's current value with no
// authorization, matching TPM_ReadCounter's no-auth tag family.
func handleReadCounter(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	id := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	value, err := e.counters.Read(id)
	if err != nil {
		return nil, nil, wire.BadCounter
	}
	return newWriter().u32(id).u32(value).bytes(), nil, wire.Success
}

// handleReleaseCounter frees a counter's slot under owner authorization.
func handleReleaseCounter(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	id := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}
	err := e.counters.Release(id)
	failRC := wire.Success
	if err != nil {
		failRC = wire.BadCounter
	}
	out := e.finishAuth(sess, ordinal, failRC, nil, trailer, e.ownerAuth, failRC == wire.Success && trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, failRC
}

// handleSetOrdinalAuditStatus toggles whether an ordinal's executions
// extend the audit digest chain.
func handleSetOrdinalAuditStatus(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	target := r.u32()
	audited := r.u8() != 0
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}
	e.counters.SetAudited(target, audited)
	out := e.finishAuth(sess, ordinal, wire.Success, nil, trailer, e.ownerAuth, trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, wire.Success
}

// handleGetAuditDigestSigned returns the current audit digest chain,
// signed under a loaded key, bound to a caller-supplied anti-replay
// nonce.
func handleGetAuditDigestSigned(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	var externalData tpmcrypto.Digest
	copy(externalData[:], r.bytes(tpmcrypto.DigestSize))
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

	signed, err := e.counters.GetAuditDigestSigned(externalData, ent.Private)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := newWriter().raw(signed.AuditDigest[:]).blob32(signed.Signature).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}
