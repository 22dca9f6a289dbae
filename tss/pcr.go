package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// Extend folds measurement into pcr and returns its new value. Carries
// no authorization, matching TPM_Extend's no-auth tag family.
func Extend(c *Client, pcr int, measurement tpmcrypto.Digest) (tpmcrypto.Digest, error) {
	params := newWriter().u32(uint32(pcr)).raw(measurement[:]).bytes()
	resp, _, err := c.command(tagFor(0), ordExtend, params, nil)
	if err != nil {
		return tpmcrypto.Digest{}, err
	}
	r := newReader(resp)
	var newValue tpmcrypto.Digest
	copy(newValue[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return tpmcrypto.Digest{}, fmt.Errorf("tss: parse Extend response: %w", r.err)
	}
	return newValue, nil
}

// PcrRead returns a single register's current value.
func PcrRead(c *Client, pcr int) (tpmcrypto.Digest, error) {
	params := newWriter().u32(uint32(pcr)).bytes()
	resp, _, err := c.command(tagFor(0), ordPcrRead, params, nil)
	if err != nil {
		return tpmcrypto.Digest{}, err
	}
	r := newReader(resp)
	var value tpmcrypto.Digest
	copy(value[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return tpmcrypto.Digest{}, fmt.Errorf("tss: parse PcrRead response: %w", r.err)
	}
	return value, nil
}
