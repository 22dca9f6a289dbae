package engine

import (
	"tpmd/internal/session"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// verifyAuth checks one inbound auth trailer against entityAuth, folding
// in the lockout policy: a currently-locked-out key refuses outright, a
// failed HMAC records a failure (possibly tripping lockout) without
// touching the session yet, and success clears the consecutive-failure
// count. The caller is responsible for calling finishAuth afterward either
// way, since even a failed authorization still returns a well-formed
// (auth-failing-for-the-caller) response trailer in the real protocol.
func (e *Engine) verifyAuth(ordinal uint32, params []byte, trailer wire.AuthTrailer, entityAuth tpmcrypto.Digest, lockoutKey string) (*session.Session, wire.ReturnCode) {
	if e.limiter.IsLocked(lockoutKey) {
		return nil, wire.DefendLockRunning
	}
	sess, err := e.sessions.Get(trailer.SessionHandle)
	if err != nil {
		return nil, wire.InvalidAuthHandle
	}
	if !sess.VerifyRequestAuth(ordinal, params, trailer, entityAuth) {
		e.limiter.RecordFailure(lockoutKey)
		return sess, wire.AuthFail
	}
	e.limiter.RecordSuccess(lockoutKey)
	return sess, wire.Success
}

// finishAuth computes the outbound auth HMAC for a response and rotates
// or closes the session as continueAuth dictates. Callers pass
// continueAuth=false whenever rc is not wire.Success, since a failed
// authorization always terminates its session.
//
// A continued session's nonceEven is rotated before the response HMAC is
// computed, not after: the response carries the freshly rotated value
// (in the trailer's NonceOdd field, which responses repurpose to carry
// nonceEven), and that same new value is what the HMAC is computed
// over. This is the only channel a client has for learning the nonceEven
// it must use to authorize its next command on this session — rotating
// afterward would leave the client unable to continue it at all.
func (e *Engine) finishAuth(sess *session.Session, ordinal uint32, rc wire.ReturnCode, respParams []byte, reqTrailer wire.AuthTrailer, entityAuth tpmcrypto.Digest, continueAuth bool) wire.AuthTrailer {
	if sess == nil {
		return wire.AuthTrailer{SessionHandle: reqTrailer.SessionHandle}
	}
	if !continueAuth {
		auth := sess.ComputeResponseAuth(uint32(rc), ordinal, respParams, reqTrailer.NonceOdd, continueAuth, entityAuth)
		out := wire.AuthTrailer{
			SessionHandle: sess.Handle,
			NonceOdd:      sess.NonceEven,
			ContinueAuth:  continueAuth,
			Auth:          auth,
		}
		e.sessions.Close(sess.Handle)
		return out
	}
	newNonceEven, err := e.sessions.RotateNonceEven(sess.Handle)
	if err != nil {
		// The session vanished between verification and here, which should
		// not happen under e.mu; fail safe by closing whatever is left.
		e.sessions.Close(sess.Handle)
		return wire.AuthTrailer{SessionHandle: sess.Handle}
	}
	auth := sess.ComputeResponseAuth(uint32(rc), ordinal, respParams, reqTrailer.NonceOdd, continueAuth, entityAuth)
	return wire.AuthTrailer{
		SessionHandle: sess.Handle,
		NonceOdd:      newNonceEven,
		ContinueAuth:  continueAuth,
		Auth:          auth,
	}
}

// authFail is a convenience for the common one-trailer failure path:
// verify, and on anything but success immediately produce the closed-
// session response trailer.
func (e *Engine) authFail(sess *session.Session, ordinal uint32, rc wire.ReturnCode, reqTrailer wire.AuthTrailer, entityAuth tpmcrypto.Digest) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	out := e.finishAuth(sess, ordinal, rc, nil, reqTrailer, entityAuth, false)
	return nil, []wire.AuthTrailer{out}, rc
}
