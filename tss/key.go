package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// CreateWrapKey generates and wraps a new child key under a loaded
// parent, returning the TPM_KEY12 blob LoadKey2 later consumes.
func CreateWrapKey(c *Client, sess *Session, parentHandle uint32, parentAuth tpmcrypto.Digest, usage uint16, migratable bool, bits uint32, usageAuth, migrationAuth tpmcrypto.Digest, continueAuth bool) (wire.Key12, error) {
	mig := byte(0)
	if migratable {
		mig = 1
	}
	params := newWriter().u32(parentHandle).u16(usage).u8(mig).u32(bits).raw(usageAuth[:]).raw(migrationAuth[:]).bytes()
	resp, err := c.callAuth1(sess, ordCreateWrapKey, params, parentAuth, continueAuth)
	if err != nil {
		return wire.Key12{}, err
	}
	return wire.ParseKey12(resp)
}

// LoadKey2 unwraps blob under parentHandle and returns the handle of
// the newly loaded key.
func LoadKey2(c *Client, sess *Session, parentHandle uint32, parentAuth tpmcrypto.Digest, blob wire.Key12, continueAuth bool) (uint32, error) {
	params := newWriter().u32(parentHandle).blob32(blob.Marshal()).bytes()
	resp, err := c.callAuth1(sess, ordLoadKey2, params, parentAuth, continueAuth)
	if err != nil {
		return 0, err
	}
	r := newReader(resp)
	handle := r.u32()
	if r.err != nil {
		return 0, fmt.Errorf("tss: parse LoadKey2 response: %w", r.err)
	}
	return handle, nil
}

// Sign computes a PKCS#1 v1.5/SHA-1 signature over data under
// keyHandle.
func Sign(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, data []byte, continueAuth bool) ([]byte, error) {
	params := newWriter().u32(keyHandle).blob32(data).bytes()
	resp, err := c.callAuth1(sess, ordSign, params, keyAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	sig := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse Sign response: %w", r.err)
	}
	return sig, nil
}

// GetPubKey returns a loaded key's public half.
func GetPubKey(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, continueAuth bool) (wire.StorePubkey, error) {
	params := newWriter().u32(keyHandle).bytes()
	resp, err := c.callAuth1(sess, ordGetPubKey, params, keyAuth, continueAuth)
	if err != nil {
		return wire.StorePubkey{}, err
	}
	r := newReader(resp)
	keyBytes := r.blob32()
	if r.err != nil {
		return wire.StorePubkey{}, fmt.Errorf("tss: parse GetPubKey response: %w", r.err)
	}
	return wire.StorePubkey{Key: keyBytes}, nil
}

// EvictKey removes a loaded key's slot.
func EvictKey(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, continueAuth bool) error {
	params := newWriter().u32(keyHandle).bytes()
	_, err := c.callAuth1(sess, ordEvictKey, params, keyAuth, continueAuth)
	return err
}
