package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// AuthorizeMigrationKey registers a migration authority's DER-encoded
// public key under owner authorization, returning the handle later
// migration calls reference it by and the digest its approvals are
// computed over.
func AuthorizeMigrationKey(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, scheme uint16, migPubKeyDER []byte, continueAuth bool) (handle uint32, maDigest tpmcrypto.Digest, err error) {
	params := newWriter().u16(scheme).blob32(migPubKeyDER).bytes()
	resp, err := c.callAuth1(sess, ordAuthorizeMigrationKey, params, ownerAuth, continueAuth)
	if err != nil {
		return 0, tpmcrypto.Digest{}, err
	}
	r := newReader(resp)
	handle = r.u32()
	copy(maDigest[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return 0, tpmcrypto.Digest{}, fmt.Errorf("tss: parse AuthorizeMigrationKey response: %w", r.err)
	}
	return handle, maDigest, nil
}

// CreateMigrationBlob re-wraps a loaded, migratable key's private
// payload for migrationHandle's authority, under the key's own usage
// authorization.
func CreateMigrationBlob(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, migrationHandle uint32, continueAuth bool) ([]byte, error) {
	params := newWriter().u32(keyHandle).u32(migrationHandle).bytes()
	resp, err := c.callAuth1(sess, ordCreateMigrationBlob, params, keyAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	blob := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse CreateMigrationBlob response: %w", r.err)
	}
	return blob, nil
}

// ConvertMigrationBlob runs on the destination TPM: it unwraps
// migratedBlob under migrationKeyHandle (standing in for the migration
// authority's own private half) and re-wraps it for loading under
// newParentHandle, returning the resulting TPM_KEY12.
func ConvertMigrationBlob(c *Client, sess *Session, migrationKeyHandle uint32, keyAuth tpmcrypto.Digest, migratedBlob []byte, newParentHandle uint32, destPubKeyDER []byte, continueAuth bool) (wire.Key12, error) {
	params := newWriter().u32(migrationKeyHandle).blob32(migratedBlob).u32(newParentHandle).blob32(destPubKeyDER).bytes()
	resp, err := c.callAuth1(sess, ordConvertMigrationBlob, params, keyAuth, continueAuth)
	if err != nil {
		return wire.Key12{}, err
	}
	return wire.ParseKey12(resp)
}

// CMKApproveMA computes the owner's HMAC approval of a migration
// authority's public key digest, the first step of the CMK ticket
// chain.
func CMKApproveMA(c *Client, sess *Session, ownerAuth, maDigest tpmcrypto.Digest, continueAuth bool) (tpmcrypto.Digest, error) {
	params := newWriter().raw(maDigest[:]).bytes()
	resp, err := c.callAuth1(sess, ordCMKApproveMA, params, ownerAuth, continueAuth)
	if err != nil {
		return tpmcrypto.Digest{}, err
	}
	var approval tpmcrypto.Digest
	r := newReader(resp)
	copy(approval[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return tpmcrypto.Digest{}, fmt.Errorf("tss: parse CMKApproveMA response: %w", r.err)
	}
	return approval, nil
}

// CMKCreateTicket validates an owner MA approval and issues a migration
// ticket binding the authority to a specific destination public key
// digest.
func CMKCreateTicket(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, maDigest, maApproval, migratedPubDigest tpmcrypto.Digest, continueAuth bool) (tpmcrypto.Digest, error) {
	params := newWriter().raw(maDigest[:]).raw(maApproval[:]).raw(migratedPubDigest[:]).bytes()
	resp, err := c.callAuth1(sess, ordCMKCreateTicket, params, ownerAuth, continueAuth)
	if err != nil {
		return tpmcrypto.Digest{}, err
	}
	var ticket tpmcrypto.Digest
	r := newReader(resp)
	copy(ticket[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return tpmcrypto.Digest{}, fmt.Errorf("tss: parse CMKCreateTicket response: %w", r.err)
	}
	return ticket, nil
}

// CMKCreateKey generates a new CMK-restricted key directly under a
// registered migration authority, under owner authorization.
func CMKCreateKey(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, migrationHandle uint32, usage uint16, bits uint32, usageAuth tpmcrypto.Digest, continueAuth bool) (wire.Key12, error) {
	params := newWriter().u32(migrationHandle).u16(usage).u32(bits).raw(usageAuth[:]).bytes()
	resp, err := c.callAuth1(sess, ordCMKCreateKey, params, ownerAuth, continueAuth)
	if err != nil {
		return wire.Key12{}, err
	}
	return wire.ParseKey12(resp)
}

// CMKCreateBlob re-wraps a CMK key's private payload for its
// destination, under the registered authority's own loaded private key
// and a ticket proving the destination key was approved.
func CMKCreateBlob(c *Client, sess *Session, authorityKeyHandle uint32, keyAuth tpmcrypto.Digest, encData []byte, ticket, expectedTicket tpmcrypto.Digest, destPublicDER []byte, continueAuth bool) ([]byte, error) {
	params := newWriter().u32(authorityKeyHandle).blob32(encData).raw(ticket[:]).raw(expectedTicket[:]).blob32(destPublicDER).bytes()
	resp, err := c.callAuth1(sess, ordCMKCreateBlob, params, keyAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	blob := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse CMKCreateBlob response: %w", r.err)
	}
	return blob, nil
}

// CMKConvertMigration runs on the destination TPM: the fifth and final
// step of the CMK ticket chain. It unwraps a CMKCreateBlob payload under
// migrationKeyHandle (standing in for the destination public key
// CMKCreateBlob targeted) and re-wraps it for loading under
// newParentHandle, preserving the key's CMK migrate-authority
// restriction.
func CMKConvertMigration(c *Client, sess *Session, migrationKeyHandle uint32, keyAuth tpmcrypto.Digest, migratedBlob []byte, newParentHandle uint32, usage uint16, pubKeyDER []byte, continueAuth bool) (wire.Key12, error) {
	params := newWriter().u32(migrationKeyHandle).blob32(migratedBlob).u32(newParentHandle).u16(usage).blob32(pubKeyDER).bytes()
	resp, err := c.callAuth1(sess, ordCMKConvertMigration, params, keyAuth, continueAuth)
	if err != nil {
		return wire.Key12{}, err
	}
	return wire.ParseKey12(resp)
}
