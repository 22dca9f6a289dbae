package keystore

import (
	"errors"
	"fmt"

	"crypto/rsa"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

var (
	ErrMigrationNotAuthorized = errors.New("keystore: migration not authorized for this key")
)

// MigrationAuthority is the public key a migration blob is rewrapped
// under, established by AuthorizeMigrationKey under owner authorization.
type MigrationAuthority struct {
	Public *rsa.PublicKey
	Scheme uint16 // TPM_MS_REWRAP or TPM_MS_MIGRATE (restrict/rewrap scheme)
}

const (
	MigrateSchemeRewrap  uint16 = 0x0001
	MigrateSchemeMigrate uint16 = 0x0002
)

// AuthorizeMigrationKey validates (under owner authorization, enforced by
// the engine caller) that migPubKey may act as a migration destination,
// returning the authority record CreateMigrationBlob later consults.
func AuthorizeMigrationKey(scheme uint16, migPubKeyDER []byte) (MigrationAuthority, error) {
	pub, err := tpmcrypto.ParsePublicKey(migPubKeyDER)
	if err != nil {
		return MigrationAuthority{}, fmt.Errorf("keystore: parsing migration public key: %w", err)
	}
	return MigrationAuthority{Public: pub, Scheme: scheme}, nil
}

// CreateMigrationBlob takes a loaded, migratable key's private payload
// and re-wraps it for the migration authority instead of its current
// parent. The source key must still be loaded under its current parent
// so its private exponent is available to re-wrap.
func (s *Store) CreateMigrationBlob(keyHandle uint32, authority MigrationAuthority) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.slots[keyHandle]
	s.mu.Unlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	if e.Blob.KeyFlags&wire.KeyFlagMigratable == 0 {
		return nil, ErrNotMigratable
	}
	if e.Private == nil {
		return nil, fmt.Errorf("keystore: %w: key has no private half loaded", ErrKeyNotFound)
	}

	pubBytes := tpmcrypto.MarshalPublicKey(e.Public)
	asym := wire.StoreAsymkey{
		PayloadType:   wire.PayloadTypeMigrate,
		UsageAuth:     e.UsageAuth,
		PubDataDigest: tpmcrypto.SHA1(pubBytes),
		PrivKey:       e.Private.D.Bytes(),
	}
	switch authority.Scheme {
	case MigrateSchemeRewrap:
		return tpmcrypto.WrapWithTCPALabel(authority.Public, asym.Marshal())
	case MigrateSchemeMigrate:
		return tpmcrypto.WrapWithTCPALabel(authority.Public, asym.PrivKey)
	default:
		return nil, fmt.Errorf("keystore: unknown migration scheme 0x%04x", authority.Scheme)
	}
}

// ConvertMigrationBlob unwraps a migration blob under migrationPrivate
// and re-wraps it under the public key of the storage parent at
// newParentHandle, producing an ordinary Key12.EncData the destination can
// load with LoadKey2. The destination TPM calls this with its own private
// key corresponding to the migration authority the blob was created for.
func (s *Store) ConvertMigrationBlob(migrationPrivate *rsa.PrivateKey, migratedBlob []byte, newParentHandle uint32, pubKeyDER []byte) (wire.Key12, error) {
	plain, err := tpmcrypto.UnwrapWithTCPALabel(migrationPrivate, migratedBlob)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("%w: %v", ErrMigrationNotAuthorized, err)
	}

	asym, err := wire.ParseStoreAsymkey(plain)
	if err != nil {
		// TPM_MS_MIGRATE scheme wraps the bare private exponent with no
		// StoreAsymkey envelope; fall back to treating plain as PrivKey.
		asym = wire.StoreAsymkey{PayloadType: wire.PayloadTypeMigrate, PrivKey: plain}
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

	encData, err := tpmcrypto.WrapWithTCPALabel(parent.Public, asym.Marshal())
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: rewrapping under new parent: %w", err)
	}

	return wire.Key12{
		KeyUsage:      wire.KeyUsageStorage,
		KeyFlags:      wire.KeyFlagMigratable,
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
