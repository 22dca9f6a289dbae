package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

const testBits = 1024 // small modulus to keep tests fast; real deployments use 2048

func newStoreWithSRK(t *testing.T) *Store {
	t.Helper()
	s := NewStore(8)
	_, err := s.TakeOwnership(testBits, tpmcrypto.Digest{1})
	require.NoError(t, err)
	return s
}

func TestTakeOwnershipInstallsSRK(t *testing.T) {
	s := newStoreWithSRK(t)
	srk, err := s.SRK()
	require.NoError(t, err)
	require.Equal(t, HandleSRK, srk.Handle)
	require.NotNil(t, srk.Private)
}

func TestSRKBeforeOwnershipFails(t *testing.T) {
	s := NewStore(8)
	_, err := s.SRK()
	require.ErrorIs(t, err, ErrNoSRK)
}

func TestCreateWrapKeyThenLoadKey2RoundTrip(t *testing.T) {
	s := newStoreWithSRK(t)
	usageAuth := tpmcrypto.Digest{2}
	migAuth := tpmcrypto.Digest{3}

	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, true, testBits, usageAuth, migAuth)
	require.NoError(t, err)
	require.True(t, blob.Migratable())

	handle, err := s.LoadKey2(HandleSRK, blob)
	require.NoError(t, err)

	e, err := s.Get(handle)
	require.NoError(t, err)
	require.NotNil(t, e.Private)
	require.Equal(t, usageAuth, e.UsageAuth)
}

func TestLoadKey2WrongParentFails(t *testing.T) {
	s := newStoreWithSRK(t)
	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, true, testBits, tpmcrypto.Digest{}, tpmcrypto.Digest{})
	require.NoError(t, err)

	other := newStoreWithSRK(t) // a different SRK entirely
	otherSRK, err := other.SRK()
	require.NoError(t, err)
	_ = otherSRK

	_, err = other.LoadKey2(HandleSRK, blob)
	require.ErrorIs(t, err, ErrWrongParent)
}

func TestGetPubKeyMatchesLoadedKey(t *testing.T) {
	s := newStoreWithSRK(t)
	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, false, testBits, tpmcrypto.Digest{}, tpmcrypto.Digest{})
	require.NoError(t, err)
	handle, err := s.LoadKey2(HandleSRK, blob)
	require.NoError(t, err)

	pub, err := s.GetPubKey(handle)
	require.NoError(t, err)
	require.Equal(t, blob.PubKey.Key, pub.Key)
}

func TestEvictKeyRemovesSlot(t *testing.T) {
	s := newStoreWithSRK(t)
	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, false, testBits, tpmcrypto.Digest{}, tpmcrypto.Digest{})
	require.NoError(t, err)
	handle, err := s.LoadKey2(HandleSRK, blob)
	require.NoError(t, err)

	require.NoError(t, s.EvictKey(handle))
	_, err = s.Get(handle)
	require.ErrorIs(t, err, ErrParentNotFound)
}

func TestEvictKeyRejectsFixedHandles(t *testing.T) {
	s := newStoreWithSRK(t)
	require.Error(t, s.EvictKey(HandleSRK))
}

func TestCreateWrapKeyNonMigratableCannotMigrate(t *testing.T) {
	s := newStoreWithSRK(t)
	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, false, testBits, tpmcrypto.Digest{}, tpmcrypto.Digest{})
	require.NoError(t, err)
	handle, err := s.LoadKey2(HandleSRK, blob)
	require.NoError(t, err)

	migPriv, err := tpmcrypto.GenerateRSAKey(testBits)
	require.NoError(t, err)
	authority := MigrationAuthority{Public: &migPriv.PublicKey, Scheme: MigrateSchemeRewrap}

	_, err = s.CreateMigrationBlob(handle, authority)
	require.ErrorIs(t, err, ErrNotMigratable)
}

func TestMigrationBlobConvertRoundTrip(t *testing.T) {
	s := newStoreWithSRK(t)
	usageAuth := tpmcrypto.Digest{4}
	blob, err := s.CreateWrapKey(HandleSRK, wire.KeyUsageStorage, true, testBits, usageAuth, tpmcrypto.Digest{})
	require.NoError(t, err)
	handle, err := s.LoadKey2(HandleSRK, blob)
	require.NoError(t, err)

	migPriv, err := tpmcrypto.GenerateRSAKey(testBits)
	require.NoError(t, err)
	migDER := tpmcrypto.MarshalPublicKey(&migPriv.PublicKey)
	authority, err := AuthorizeMigrationKey(MigrateSchemeRewrap, migDER)
	require.NoError(t, err)

	migrated, err := s.CreateMigrationBlob(handle, authority)
	require.NoError(t, err)

	dest := newStoreWithSRK(t)
	newBlob, err := dest.ConvertMigrationBlob(migPriv, migrated, HandleSRK, blob.PubKey.Key)
	require.NoError(t, err)

	newHandle, err := dest.LoadKey2(HandleSRK, newBlob)
	require.NoError(t, err)
	e, err := dest.Get(newHandle)
	require.NoError(t, err)
	require.NotNil(t, e.Private)
}

func TestCMKApproveAndCreateTicket(t *testing.T) {
	ownerAuth := tpmcrypto.Digest{8}
	maDigest := tpmcrypto.Digest{1, 2}
	destDigest := tpmcrypto.Digest{3, 4}

	approval := CMKApproveMA(ownerAuth, maDigest)
	ticket, err := CMKCreateTicket(ownerAuth, maDigest, approval, destDigest)
	require.NoError(t, err)
	require.NotEqual(t, tpmcrypto.Digest{}, ticket)
}

func TestCMKCreateTicketRejectsBadApproval(t *testing.T) {
	ownerAuth := tpmcrypto.Digest{8}
	maDigest := tpmcrypto.Digest{1, 2}
	_, err := CMKCreateTicket(ownerAuth, maDigest, tpmcrypto.Digest{0xff}, tpmcrypto.Digest{})
	require.ErrorIs(t, err, ErrMigrationNotAuthorized)
}

func TestCMKCreateKeyAndBlobRoundTrip(t *testing.T) {
	s := newStoreWithSRK(t)
	authPriv, err := tpmcrypto.GenerateRSAKey(testBits)
	require.NoError(t, err)
	authority := MigrationAuthority{Public: &authPriv.PublicKey, Scheme: MigrateSchemeRewrap}

	blob, err := s.CMKCreateKey(authority, wire.KeyUsageSignature, testBits, tpmcrypto.Digest{5})
	require.NoError(t, err)

	ownerAuth := tpmcrypto.Digest{9}
	maDigest := tpmcrypto.SHA1(tpmcrypto.MarshalPublicKey(&authPriv.PublicKey))
	approval := CMKApproveMA(ownerAuth, maDigest)

	destPriv, err := tpmcrypto.GenerateRSAKey(testBits)
	require.NoError(t, err)
	destDER := tpmcrypto.MarshalPublicKey(&destPriv.PublicKey)
	destDigest := tpmcrypto.SHA1(destDER)

	ticket, err := CMKCreateTicket(ownerAuth, maDigest, approval, destDigest)
	require.NoError(t, err)

	newBlob, err := CMKCreateBlob(authPriv, blob.EncData, ticket, ticket, destDER)
	require.NoError(t, err)
	require.NotEmpty(t, newBlob)
}
