package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// SessionType distinguishes how a Session derives the secret its auth
// HMACs are keyed under.
type SessionType int

const (
	TypeOIAP SessionType = iota
	TypeOSAP
	TypeDSAP
)

// Session tracks one auth session's client-side state: the handle the
// daemon assigned it and the nonceEven it most recently told us, which
// every subsequent command on this session must authorize against.
// OSAP and DSAP sessions additionally carry a SharedSecret derived once
// at open time, so per-command auth never needs the entity's own auth
// value again.
type Session struct {
	Handle       uint32
	Type         SessionType
	NonceEven    tpmcrypto.Digest
	SharedSecret tpmcrypto.Digest
	closed       bool
}

// OpenOIAP starts a bare object-independent authorization session.
func OpenOIAP(c *Client) (*Session, error) {
	resp, _, err := c.command(tagFor(0), ordOIAP, nil, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	handle := r.u32()
	var nonceEven tpmcrypto.Digest
	copy(nonceEven[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse OIAP response: %w", r.err)
	}
	return &Session{Handle: handle, Type: TypeOIAP, NonceEven: nonceEven}, nil
}

// OpenOSAP starts an object-specific authorization session against an
// entity, deriving SharedSecret from entityAuth and the two OSAP-only
// nonces without ever sending entityAuth itself over the wire.
func OpenOSAP(c *Client, entityType uint16, entityHandle uint32, entityAuth tpmcrypto.Digest) (*Session, error) {
	nonceOddOSAP, err := tpmcrypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("tss: generating OSAP nonce: %w", err)
	}
	params := newWriter().u16(entityType).u32(entityHandle).raw(nonceOddOSAP[:]).bytes()
	resp, _, err := c.command(tagFor(0), ordOSAP, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	handle := r.u32()
	var nonceEven, nonceEvenOSAP tpmcrypto.Digest
	copy(nonceEven[:], r.bytes(tpmcrypto.DigestSize))
	copy(nonceEvenOSAP[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse OSAP response: %w", r.err)
	}
	secret := tpmcrypto.HMACSHA1(entityAuth[:], nonceEvenOSAP[:], nonceOddOSAP[:])
	return &Session{Handle: handle, Type: TypeOSAP, NonceEven: nonceEven, SharedSecret: secret}, nil
}

// OpenDSAP starts a delegated-authorization session against a
// delegation table row, the same as OpenOSAP but keyed by rowAuth
// instead of an entity's own auth value.
func OpenDSAP(c *Client, rowIndex uint32, rowAuth tpmcrypto.Digest) (*Session, error) {
	nonceOddOSAP, err := tpmcrypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("tss: generating DSAP nonce: %w", err)
	}
	params := newWriter().u32(rowIndex).raw(nonceOddOSAP[:]).bytes()
	resp, _, err := c.command(tagFor(0), ordDSAP, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	handle := r.u32()
	var nonceEven, nonceEvenOSAP tpmcrypto.Digest
	copy(nonceEven[:], r.bytes(tpmcrypto.DigestSize))
	copy(nonceEvenOSAP[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse DSAP response: %w", r.err)
	}
	secret := tpmcrypto.HMACSHA1(rowAuth[:], nonceEvenOSAP[:], nonceOddOSAP[:])
	return &Session{Handle: handle, Type: TypeDSAP, NonceEven: nonceEven, SharedSecret: secret}, nil
}

// secretFor is OIAP-vs-OSAP/DSAP's mirror of internal/session.secretFor:
// OIAP has no secret of its own, so the caller supplies the entity's
// current auth value every time.
func (s *Session) secretFor(entityAuth tpmcrypto.Digest) tpmcrypto.Digest {
	if s.Type == TypeOIAP {
		return entityAuth
	}
	return s.SharedSecret
}

// authorize builds the auth trailer for one command on this session. It
// returns the nonceOdd it generated alongside the trailer, since
// verifying the response requires pairing the daemon's newly rotated
// nonceEven with the same nonceOdd this request just sent.
func (s *Session) authorize(ordinal uint32, params []byte, entityAuth tpmcrypto.Digest, continueAuth bool) (wire.AuthTrailer, tpmcrypto.Digest, error) {
	nonceOdd, err := tpmcrypto.GenerateNonce()
	if err != nil {
		return wire.AuthTrailer{}, tpmcrypto.Digest{}, fmt.Errorf("tss: generating nonceOdd: %w", err)
	}
	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, nonceOdd, continueAuth)
	auth := tpmcrypto.HMACSHA1(s.secretFor(entityAuth)[:], input)
	return wire.AuthTrailer{
		SessionHandle: s.Handle,
		NonceOdd:      nonceOdd,
		ContinueAuth:  continueAuth,
		Auth:          auth,
	}, nonceOdd, nil
}

// verifyResponse checks the daemon's response auth and, on success,
// folds in the freshly rotated nonceEven the response carried (in the
// field that on a request means nonceOdd, repurposed on responses to
// carry the session's new nonceEven — see internal/engine/auth.go's
// finishAuth for the server side of this same convention). A session
// whose continueAuth was false is closed server-side regardless of
// what this call returns.
func (s *Session) verifyResponse(ordinal uint32, rc wire.ReturnCode, respParams []byte, nonceOddSent tpmcrypto.Digest, trailer wire.AuthTrailer, entityAuth tpmcrypto.Digest) error {
	newNonceEven := trailer.NonceOdd
	rcBytes := wire.OrdinalBytes(uint32(rc))
	paramDigest := tpmcrypto.SHA1(rcBytes, wire.OrdinalBytes(ordinal), respParams)
	input := wire.AuthHashInput(paramDigest, newNonceEven, nonceOddSent, trailer.ContinueAuth)
	expected := tpmcrypto.HMACSHA1(s.secretFor(entityAuth)[:], input)
	if !tpmcrypto.ConstantTimeEqual(expected, trailer.Auth) {
		return fmt.Errorf("tss: response auth for ordinal 0x%08x failed to verify", ordinal)
	}
	if trailer.ContinueAuth {
		s.NonceEven = newNonceEven
	} else {
		s.closed = true
	}
	return nil
}

// Closed reports whether the daemon has (to this client's knowledge)
// already torn down this session, either because the caller's last
// command set continueAuth=false or because a failed authorization
// closed it server-side.
func (s *Session) Closed() bool {
	return s.closed
}
