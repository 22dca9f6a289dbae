package tss

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// EstablishTransport opens a transport-logging session, OAEP-wrapping
// transportKey (the session key the caller picks) under keyPub. The
// returned locality is the one the daemon itself is running under.
func EstablishTransport(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, keyPub *rsa.PublicKey, transportKey []byte, continueAuth bool) (handle uint32, locality uint8, err error) {
	wrapped, err := tpmcrypto.WrapWithTCPALabel(keyPub, transportKey)
	if err != nil {
		return 0, 0, fmt.Errorf("tss: wrapping transport key: %w", err)
	}
	params := newWriter().u32(keyHandle).blob32(wrapped).bytes()
	resp, err := c.callAuth1(sess, ordEstablishTransport, params, keyAuth, continueAuth)
	if err != nil {
		return 0, 0, err
	}
	r := newReader(resp)
	handle = r.u32()
	locality = r.u8()
	if r.err != nil {
		return 0, 0, fmt.Errorf("tss: parse EstablishTransport response: %w", r.err)
	}
	return handle, locality, nil
}

// ReleaseTransportSigned closes a transport session and returns
// SHA1(session log digest || antiReplay) along with a signature over it.
// The daemon never extends a session's log digest, so the digest hashed
// here is all zeroes.
func ReleaseTransportSigned(c *Client, sess *Session, transportHandle, keyHandle uint32, keyAuth tpmcrypto.Digest, antiReplay tpmcrypto.Digest, continueAuth bool) (logDigest tpmcrypto.Digest, sig []byte, err error) {
	params := newWriter().u32(transportHandle).u32(keyHandle).raw(antiReplay[:]).bytes()
	resp, err := c.callAuth1(sess, ordReleaseTransportSigned, params, keyAuth, continueAuth)
	if err != nil {
		return tpmcrypto.Digest{}, nil, err
	}
	r := newReader(resp)
	copy(logDigest[:], r.bytes(tpmcrypto.DigestSize))
	sig = r.blob32()
	if r.err != nil {
		return tpmcrypto.Digest{}, nil, fmt.Errorf("tss: parse ReleaseTransportSigned response: %w", r.err)
	}
	return logDigest, sig, nil
}
