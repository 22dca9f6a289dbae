package keystore

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// CMK (Certified Migratable Key) tickets replace plain migration-authority
// authorization with owner-signed approval of a specific migration
// authority digest (MaApproval) and, separately, of a specific migrated
// public key (MigrationTicket). Both are simple HMAC tags keyed by the
// owner's auth value, mirroring how the engine already authenticates
// everything else rather than introducing a second signature scheme.

// CMKApproveMA computes the owner's approval digest for a migration
// authority's public key digest, under CMK_ApproveMA.
func CMKApproveMA(ownerAuth tpmcrypto.Digest, maDigest tpmcrypto.Digest) tpmcrypto.Digest {
	return tpmcrypto.HMACSHA1(ownerAuth[:], maDigest[:])
}

// CMKCreateTicket validates an owner-signed MA approval against the
// migration authority's public key digest and, if it matches, issues a
// migration ticket binding that authority to a specific destination
// public key digest.
func CMKCreateTicket(ownerAuth tpmcrypto.Digest, maDigest, maApproval tpmcrypto.Digest, migratedPubDigest tpmcrypto.Digest) (tpmcrypto.Digest, error) {
	want := CMKApproveMA(ownerAuth, maDigest)
	if !tpmcrypto.ConstantTimeEqual(want, maApproval) {
		return tpmcrypto.Digest{}, fmt.Errorf("keystore: %w: CMK approval does not match authority", ErrMigrationNotAuthorized)
	}
	return tpmcrypto.HMACSHA1(ownerAuth[:], maDigest[:], migratedPubDigest[:]), nil
}

// CMKCreateKey generates a new CMK-restricted key directly under a
// migration authority rather than a storage parent: its private payload
// is wrapped for the migration authority from creation, so only
// CMKCreateBlob (never a plain LoadKey2 elsewhere) can extract it.
func (s *Store) CMKCreateKey(authority MigrationAuthority, usage uint16, bits int, usageAuth tpmcrypto.Digest) (wire.Key12, error) {
	priv, err := tpmcrypto.GenerateRSAKey(bits)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: generating CMK key: %w", err)
	}
	pubBytes := tpmcrypto.MarshalPublicKey(&priv.PublicKey)

	asym := wire.StoreAsymkey{
		PayloadType:   wire.PayloadTypeMaAuth,
		UsageAuth:     usageAuth,
		PubDataDigest: tpmcrypto.SHA1(pubBytes),
		PrivKey:       priv.D.Bytes(),
	}
	encData, err := tpmcrypto.WrapWithTCPALabel(authority.Public, asym.Marshal())
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: wrapping CMK key: %w", err)
	}

	return wire.Key12{
		KeyUsage:      usage,
		KeyFlags:      wire.KeyFlagMigratable | wire.KeyFlagMigrateAuthority,
		AuthDataUsage: 1,
		AlgorithmParms: wire.KeyParms{
			AlgorithmID: 1,
			EncScheme:   3,
			SigScheme:   1,
			Params:      wire.RSAKeyParms{KeyLength: uint32(bits), NumPrimes: 2}.Marshal(),
		},
		PubKey:  wire.StorePubkey{Key: pubBytes},
		EncData: encData,
	}, nil
}

// CMKCreateBlob re-wraps a CMK key's private payload for its destination,
// consuming a ticket from CMKCreateTicket as proof the destination public
// key was approved for this authority.
func CMKCreateBlob(authorityPrivate *rsa.PrivateKey, encData []byte, ticket tpmcrypto.Digest, expectedTicket tpmcrypto.Digest, destPublicDER []byte) ([]byte, error) {
	if !tpmcrypto.ConstantTimeEqual(ticket, expectedTicket) {
		return nil, fmt.Errorf("keystore: %w: migration ticket mismatch", ErrMigrationNotAuthorized)
	}
	plain, err := tpmcrypto.UnwrapWithTCPALabel(authorityPrivate, encData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationNotAuthorized, err)
	}
	asym, err := wire.ParseStoreAsymkey(plain)
	if err != nil {
		return nil, fmt.Errorf("keystore: parsing CMK payload: %w", err)
	}
	destPub, err := tpmcrypto.ParsePublicKey(destPublicDER)
	if err != nil {
		return nil, fmt.Errorf("keystore: parsing destination public key: %w", err)
	}
	asym.PubDataDigest = tpmcrypto.SHA1(destPublicDER)
	return tpmcrypto.WrapWithTCPALabel(destPub, asym.Marshal())
}

// CMKConvertMigration is the CMK pipeline's terminal step, run on the
// destination TPM: it unwraps a CMKCreateBlob payload under the loaded
// key standing in for the destination public key CMKCreateBlob targeted,
// and re-wraps it for loading under a local storage parent. Unlike plain
// ConvertMigrationBlob, the resulting key keeps KeyFlagMigrateAuthority
// set, so it can only migrate again through the same ticket chain, never
// through a bare CreateMigrationBlob.
func (s *Store) CMKConvertMigration(migrationPrivate *rsa.PrivateKey, migratedBlob []byte, newParentHandle uint32, usage uint16, pubKeyDER []byte) (wire.Key12, error) {
	plain, err := tpmcrypto.UnwrapWithTCPALabel(migrationPrivate, migratedBlob)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("%w: %v", ErrMigrationNotAuthorized, err)
	}
	asym, err := wire.ParseStoreAsymkey(plain)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: parsing CMK payload: %w", err)
	}

	s.mu.Lock()
	parent, perr := s.parentByHandle(newParentHandle)
	s.mu.Unlock()
	if perr != nil {
		return wire.Key12{}, perr
	}

	pub, err := tpmcrypto.ParsePublicKey(pubKeyDER)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: parsing migrated public key: %w", err)
	}
	asym.PubDataDigest = tpmcrypto.SHA1(pubKeyDER)
	asym.PayloadType = wire.PayloadTypeMaAuth

	encData, err := tpmcrypto.WrapWithTCPALabel(parent.Public, asym.Marshal())
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: rewrapping CMK key under new parent: %w", err)
	}

	return wire.Key12{
		KeyUsage:      usage,
		KeyFlags:      wire.KeyFlagMigratable | wire.KeyFlagMigrateAuthority,
		AuthDataUsage: 1,
		AlgorithmParms: wire.KeyParms{
			AlgorithmID: 1,
			EncScheme:   3,
			SigScheme:   1,
			Params:      wire.RSAKeyParms{KeyLength: uint32(pub.N.BitLen()), NumPrimes: 2}.Marshal(),
		},
		PubKey:  wire.StorePubkey{Key: pubKeyDER},
		EncData: encData,
	}, nil
}
