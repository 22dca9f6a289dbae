// Package quote implements TPM_Quote, TPM_Quote2, and the DeepQuote
// extension: signed attestations over a PCR composite digest and an
// external nonce, binding the platform's measured state to a specific
// challenge. Quote2 additionally appends capability-version information;
// DeepQuote nests a vTPM's own quote inside a physical TPM's quote via a
// "DQUT"-header hash chain, producing the on-disk DeepQuoteBin container
// a challenger validates with ValidateDeepQuoteInfo.
package quote

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/pcrengine"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// Info is TPM_QUOTE_INFO: the fixed 4-byte version tag "QUOT", the PCR
// composite digest, and the external antiReplay nonce, all of which the
// signature below covers.
type Info struct {
	CompositeDigest tpmcrypto.Digest
	ExternalData    tpmcrypto.Digest // antiReplay nonce supplied by the caller
}

var quotVersionTag = [4]byte{'Q', 'U', 'O', 'T'}

func (i Info) Marshal() []byte {
	buf := make([]byte, 0, 4+tpmcrypto.DigestSize*2)
	buf = append(buf, quotVersionTag[:]...)
	buf = append(buf, i.CompositeDigest[:]...)
	buf = append(buf, i.ExternalData[:]...)
	return buf
}

// Quote computes the composite digest for sel, signs TPM_QUOTE_INFO over
// it and externalData with signingKey (PKCS#1 v1.5 / SHA-1 per
// TPM_SS_RSASSAPKCS1v15_SHA1), and returns the signature alongside the
// composite digest the caller reports back to the challenger.
func Quote(bank *pcrengine.Bank, sel wire.PCRSelection, externalData tpmcrypto.Digest, signingKey *rsa.PrivateKey) (Info, []byte, error) {
	info := Info{CompositeDigest: bank.Composite(sel), ExternalData: externalData}
	digest := tpmcrypto.SHA1(info.Marshal())
	sig, err := tpmcrypto.SignPKCS1v15SHA1(signingKey, digest)
	if err != nil {
		return Info{}, nil, fmt.Errorf("quote: signing: %w", err)
	}
	return info, sig, nil
}

// VerifyQuote re-derives TPM_QUOTE_INFO's digest and checks sig against
// the signer's public key — used by the challenger side, not the engine,
// but kept here since it is the direct inverse of Quote and exercises the
// same marshaling.
func VerifyQuote(info Info, sig []byte, pub *rsa.PublicKey) error {
	digest := tpmcrypto.SHA1(info.Marshal())
	return tpmcrypto.VerifyPKCS1v15SHA1(pub, digest, sig)
}
