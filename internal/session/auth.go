package session

import (
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// secretFor returns the key an HMAC is computed under for this session:
// the OSAP/DSAP-derived shared secret, or — for OIAP — the entity's own
// auth value, which the caller must supply since OIAP carries no
// pre-derived secret of its own.
func (s *Session) secretFor(entityAuthForOIAP tpmcrypto.Digest) tpmcrypto.Digest {
	if s.Type == TypeOIAP {
		return entityAuthForOIAP
	}
	return s.SharedSecret
}

// VerifyRequestAuth checks an inbound command's auth field against the
// expected HMAC, computed over SHA1(ordinal||params) and the two nonces
// (session's nonceEven and the request's nonceOdd). entityAuth is the
// relevant entity's auth value for OIAP sessions, or the session's own
// OSAP/DSAP shared secret is used directly otherwise.
func (s *Session) VerifyRequestAuth(ordinal uint32, params []byte, trailer wire.AuthTrailer, entityAuth tpmcrypto.Digest) bool {
	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, trailer.NonceOdd, trailer.ContinueAuth)
	expected := tpmcrypto.HMACSHA1(s.secretFor(entityAuth)[:], input)
	return tpmcrypto.ConstantTimeEqual(expected, trailer.Auth)
}

// ComputeResponseAuth computes the outbound auth HMAC for a response:
// SHA1(returnCode||ordinal||params), then HMAC'd with the session's
// nonces in (nonceEven, nonceOdd) order — the response reuses the
// request's nonceOdd and the session's current nonceEven. For a continued
// session the engine's finishAuth rotates nonceEven before calling this,
// so the HMAC covers the new value the response carries.
func (s *Session) ComputeResponseAuth(returnCode uint32, ordinal uint32, params []byte, nonceOdd tpmcrypto.Digest, continueAuth bool, entityAuth tpmcrypto.Digest) tpmcrypto.Digest {
	rcBytes := wire.OrdinalBytes(returnCode)
	paramDigest := tpmcrypto.SHA1(rcBytes, wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, nonceOdd, continueAuth)
	return tpmcrypto.HMACSHA1(s.secretFor(entityAuth)[:], input)
}
