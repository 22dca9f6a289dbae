package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// NVDefineSpace creates (size > 0) or deletes (size == 0) an NV index,
// under owner authorization.
func NVDefineSpace(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, index, size, permissions uint32, indexAuth tpmcrypto.Digest, continueAuth bool) error {
	params := newWriter().u32(index).u32(size).u32(permissions).raw(indexAuth[:]).bytes()
	_, err := c.callAuth1(sess, ordNVDefineSpace, params, ownerAuth, continueAuth)
	return err
}

// NVWriteValue writes an NV index under its area-permission no-auth
// path.
func NVWriteValue(c *Client, index, offset uint32, value []byte) error {
	params := newWriter().u32(index).u32(offset).blob32(value).bytes()
	_, _, err := c.command(tagFor(0), ordNVWriteValue, params, nil)
	return err
}

// NVWriteValueAuth writes an NV index under its own per-index auth.
func NVWriteValueAuth(c *Client, sess *Session, indexAuth tpmcrypto.Digest, index, offset uint32, value []byte, continueAuth bool) error {
	params := newWriter().u32(index).u32(offset).blob32(value).bytes()
	_, err := c.callAuth1(sess, ordNVWriteValueAuth, params, indexAuth, continueAuth)
	return err
}

// NVReadValue reads an NV index under its area-permission no-auth path.
func NVReadValue(c *Client, index, offset, length uint32) ([]byte, error) {
	params := newWriter().u32(index).u32(offset).u32(length).bytes()
	resp, _, err := c.command(tagFor(0), ordNVReadValue, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	data := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse NVReadValue response: %w", r.err)
	}
	return data, nil
}

// NVReadValueAuth reads an NV index under its own per-index auth.
func NVReadValueAuth(c *Client, sess *Session, indexAuth tpmcrypto.Digest, index, offset, length uint32, continueAuth bool) ([]byte, error) {
	params := newWriter().u32(index).u32(offset).u32(length).bytes()
	resp, err := c.callAuth1(sess, ordNVReadValueAuth, params, indexAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	data := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse NVReadValueAuth response: %w", r.err)
	}
	return data, nil
}
