package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

func TestOpenOIAPAssignsUniqueHandles(t *testing.T) {
	m := NewManager(4)
	s1, err := m.OpenOIAP()
	require.NoError(t, err)
	s2, err := m.OpenOIAP()
	require.NoError(t, err)
	require.NotEqual(t, s1.Handle, s2.Handle)
	require.Equal(t, 2, m.Len())
}

func TestOpenRejectsOverCapacity(t *testing.T) {
	m := NewManager(1)
	_, err := m.OpenOIAP()
	require.NoError(t, err)
	_, err = m.OpenOIAP()
	require.ErrorIs(t, err, ErrNoFreeSessions)
}

func TestCloseFreesSlot(t *testing.T) {
	m := NewManager(1)
	s, err := m.OpenOIAP()
	require.NoError(t, err)
	m.Close(s.Handle)
	_, err = m.OpenOIAP()
	require.NoError(t, err)
}

func TestGetUnknownHandle(t *testing.T) {
	m := NewManager(4)
	_, err := m.Get(0xffffffff)
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestOSAPSharedSecretDeterministic(t *testing.T) {
	m := NewManager(4)
	entityAuth := tpmcrypto.Digest{1, 2, 3}
	nonceOdd, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	s, err := m.OpenOSAP(EntityKeyhandle, 0x40000001, entityAuth, nonceOdd)
	require.NoError(t, err)

	want := tpmcrypto.HMACSHA1(entityAuth[:], s.NonceEvenOSAP[:], s.NonceOddOSAP[:])
	require.Equal(t, want, s.SharedSecret)
}

func TestDSAPReusesOSAPDerivation(t *testing.T) {
	m := NewManager(4)
	rowAuth := tpmcrypto.Digest{9, 9, 9}
	nonceOdd, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	s, err := m.OpenDSAP(0x12345678, rowAuth, nonceOdd)
	require.NoError(t, err)
	require.Equal(t, TypeDSAP, s.Type)
	require.NotEqual(t, tpmcrypto.Digest{}, s.SharedSecret)
}

func TestRotateNonceEvenChangesValue(t *testing.T) {
	m := NewManager(4)
	s, err := m.OpenOIAP()
	require.NoError(t, err)
	before := s.NonceEven
	newNonce, err := m.RotateNonceEven(s.Handle)
	require.NoError(t, err)
	require.NotEqual(t, before, s.NonceEven)
	require.Equal(t, newNonce, s.NonceEven)
}

func TestVerifyRequestAuthRoundTrip(t *testing.T) {
	m := NewManager(4)
	entityAuth := tpmcrypto.Digest{5, 5, 5}
	s, err := m.OpenOIAP()
	require.NoError(t, err)

	ordinal := uint32(0x0000000A)
	params := []byte("command body")
	nonceOdd, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, nonceOdd, true)
	auth := tpmcrypto.HMACSHA1(entityAuth[:], input)

	trailer := wire.AuthTrailer{SessionHandle: s.Handle, NonceOdd: nonceOdd, ContinueAuth: true, Auth: auth}
	require.True(t, s.VerifyRequestAuth(ordinal, params, trailer, entityAuth))
}

func TestVerifyRequestAuthRejectsFlippedBit(t *testing.T) {
	m := NewManager(4)
	entityAuth := tpmcrypto.Digest{5, 5, 5}
	s, err := m.OpenOIAP()
	require.NoError(t, err)

	ordinal := uint32(0x0000000A)
	params := []byte("command body")
	nonceOdd, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, nonceOdd, true)
	auth := tpmcrypto.HMACSHA1(entityAuth[:], input)
	auth[0] ^= 0x01 // flip one bit

	trailer := wire.AuthTrailer{SessionHandle: s.Handle, NonceOdd: nonceOdd, ContinueAuth: true, Auth: auth}
	require.False(t, s.VerifyRequestAuth(ordinal, params, trailer, entityAuth))
}

func TestComputeResponseAuthMatchesManualConstruction(t *testing.T) {
	m := NewManager(4)
	entityAuth := tpmcrypto.Digest{7}
	s, err := m.OpenOIAP()
	require.NoError(t, err)

	ordinal := uint32(0x0000000D)
	params := []byte("response body")
	nonceOdd, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	got := s.ComputeResponseAuth(0, ordinal, params, nonceOdd, true, entityAuth)

	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(0), wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, s.NonceEven, nonceOdd, true)
	want := tpmcrypto.HMACSHA1(entityAuth[:], input)

	require.Equal(t, want, got)
}
