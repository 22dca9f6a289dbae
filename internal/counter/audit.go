package counter

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// SetAudited marks ordinal as subject to audit-digest extension
// (TPM_SetOrdinalAuditStatus).
func (b *Bank) SetAudited(ordinal uint32, audited bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if audited {
		b.auditOn[ordinal] = true
	} else {
		delete(b.auditOn, ordinal)
	}
}

// IsAudited reports whether ordinal currently extends the audit digest.
func (b *Bank) IsAudited(ordinal uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auditOn[ordinal]
}

// ExtendAudit folds one command's inputs, return code, and outputs into
// the running audit digest: H_new = SHA1(H_old || SHA1(inputs) ||
// returnCode || SHA1(outputs) || ordinal). Callers invoke this once per
// dispatched command, after checking IsAudited(ordinal).
func (b *Bank) ExtendAudit(ordinal uint32, returnCode uint32, inputs, outputs []byte) tpmcrypto.Digest {
	b.mu.Lock()
	defer b.mu.Unlock()
	inDigest := tpmcrypto.SHA1(inputs)
	outDigest := tpmcrypto.SHA1(outputs)
	rcBytes := uint32ToBytes(returnCode)
	ordBytes := uint32ToBytes(ordinal)
	b.auditDigest = tpmcrypto.SHA1(b.auditDigest[:], inDigest[:], rcBytes, outDigest[:], ordBytes)
	return b.auditDigest
}

// AuditDigest returns the current running audit digest without
// extending it.
func (b *Bank) AuditDigest() tpmcrypto.Digest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auditDigest
}

// ResetAudit clears the running digest, as on TPM_Startup(ST_CLEAR).
func (b *Bank) ResetAudit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auditDigest = tpmcrypto.Digest{}
}

// SignedAuditDigest is the result of TPM_GetAuditDigestSigned: the
// current audit digest, signed together with the caller-supplied
// anti-replay nonce (as SHA1(digest || externalData)) under signingKey.
type SignedAuditDigest struct {
	AuditDigest  tpmcrypto.Digest
	ExternalData tpmcrypto.Digest
	Signature    []byte
}

func (b *Bank) GetAuditDigestSigned(externalData tpmcrypto.Digest, signingKey *rsa.PrivateKey) (SignedAuditDigest, error) {
	digest := b.AuditDigest()
	toSign := tpmcrypto.SHA1(digest[:], externalData[:])
	sig, err := tpmcrypto.SignPKCS1v15SHA1(signingKey, toSign)
	if err != nil {
		return SignedAuditDigest{}, fmt.Errorf("counter: signing audit digest: %w", err)
	}
	return SignedAuditDigest{AuditDigest: digest, ExternalData: externalData, Signature: sig}, nil
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
