package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// CreateCounter establishes a new monotonic counter under owner
// authorization, returning its ID and starting value.
func CreateCounter(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, label [4]byte, counterAuth tpmcrypto.Digest, continueAuth bool) (id, value uint32, err error) {
	params := newWriter().raw(label[:]).raw(counterAuth[:]).bytes()
	resp, err := c.callAuth1(sess, ordCreateCounter, params, ownerAuth, continueAuth)
	if err != nil {
		return 0, 0, err
	}
	r := newReader(resp)
	id = r.u32()
	value = r.u32()
	if r.err != nil {
		return 0, 0, fmt.Errorf("tss: parse CreateCounter response: %w", r.err)
	}
	return id, value, nil
}

// IncrementCounter bumps a counter and returns its new value. The daemon
// verifies the session HMAC against its owner auth, not the counter's own
// auth, so counterAuth verifies only when it equals the owner auth. A
// TPM_RETRY response means the rate-limit window hasn't elapsed yet;
// the caller should back off and retry rather than treat it as fatal.
func IncrementCounter(c *Client, sess *Session, counterAuth tpmcrypto.Digest, id uint32, continueAuth bool) (uint32, error) {
	params := newWriter().u32(id).bytes()
	resp, err := c.callAuth1(sess, ordIncrementCounter, params, counterAuth, continueAuth)
	if err != nil {
		return 0, err
	}
	r := newReader(resp)
	_ = r.u32() // echoed id
	value := r.u32()
	if r.err != nil {
		return 0, fmt.Errorf("tss: parse IncrementCounter response: %w", r.err)
	}
	return value, nil
}

// ReadCounter reads a counter's current value with no authorization.
func ReadCounter(c *Client, id uint32) (uint32, error) {
	params := newWriter().u32(id).bytes()
	resp, _, err := c.command(tagFor(0), ordReadCounter, params, nil)
	if err != nil {
		return 0, err
	}
	r := newReader(resp)
	_ = r.u32() // echoed id
	value := r.u32()
	if r.err != nil {
		return 0, fmt.Errorf("tss: parse ReadCounter response: %w", r.err)
	}
	return value, nil
}

// ReleaseCounter frees a counter's slot under owner authorization.
func ReleaseCounter(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, id uint32, continueAuth bool) error {
	params := newWriter().u32(id).bytes()
	_, err := c.callAuth1(sess, ordReleaseCounter, params, ownerAuth, continueAuth)
	return err
}

// SetOrdinalAuditStatus toggles whether an ordinal's executions extend
// the audit digest chain, under owner authorization.
func SetOrdinalAuditStatus(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, target uint32, audited bool, continueAuth bool) error {
	flag := byte(0)
	if audited {
		flag = 1
	}
	params := newWriter().u32(target).u8(flag).bytes()
	_, err := c.callAuth1(sess, ordSetOrdinalAuditStatus, params, ownerAuth, continueAuth)
	return err
}

// GetAuditDigestSigned returns the current audit digest chain, signed
// under keyHandle and bound to antiReplay.
func GetAuditDigestSigned(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, antiReplay tpmcrypto.Digest, continueAuth bool) (auditDigest tpmcrypto.Digest, sig []byte, err error) {
	params := newWriter().u32(keyHandle).raw(antiReplay[:]).bytes()
	resp, err := c.callAuth1(sess, ordGetAuditDigestSigned, params, keyAuth, continueAuth)
	if err != nil {
		return tpmcrypto.Digest{}, nil, err
	}
	r := newReader(resp)
	copy(auditDigest[:], r.bytes(tpmcrypto.DigestSize))
	sig = r.blob32()
	if r.err != nil {
		return tpmcrypto.Digest{}, nil, fmt.Errorf("tss: parse GetAuditDigestSigned response: %w", r.err)
	}
	return auditDigest, sig, nil
}
