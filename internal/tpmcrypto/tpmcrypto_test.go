package tpmcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA1Chaining(t *testing.T) {
	prior := SHA1([]byte("initial"))
	extended := SHA1(prior[:], []byte("extend"))
	require.NotEqual(t, prior, extended)

	again := SHA1(prior[:], []byte("extend"))
	require.Equal(t, extended, again, "digest must be deterministic")
}

func TestHMACFlipBitFails(t *testing.T) {
	key := []byte("shared-secret")
	mac := HMACSHA1(key, []byte("ordinal+params"))

	flipped := mac
	flipped[0] ^= 0x01

	require.True(t, ConstantTimeEqual(mac, mac))
	require.False(t, ConstantTimeEqual(mac, flipped))
}

func TestRSAWrapUnwrapRoundTrip(t *testing.T) {
	parent, err := GenerateRSAKey(2048)
	require.NoError(t, err)

	plaintext := []byte("child key private material")
	ct, err := WrapWithTCPALabel(&parent.PublicKey, plaintext)
	require.NoError(t, err)

	pt, err := UnwrapWithTCPALabel(parent, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestRSAUnwrapWrongParentFails(t *testing.T) {
	parent, err := GenerateRSAKey(2048)
	require.NoError(t, err)
	other, err := GenerateRSAKey(2048)
	require.NoError(t, err)

	ct, err := WrapWithTCPALabel(&parent.PublicKey, []byte("secret"))
	require.NoError(t, err)

	_, err = UnwrapWithTCPALabel(other, ct)
	require.Error(t, err)
}

func TestSignVerifyPKCS1v15(t *testing.T) {
	key, err := GenerateRSAKey(2048)
	require.NoError(t, err)

	digest := SHA1([]byte("hello"))
	sig, err := SignPKCS1v15SHA1(key, digest)
	require.NoError(t, err)

	require.NoError(t, VerifyPKCS1v15SHA1(&key.PublicKey, digest, sig))

	badDigest := SHA1([]byte("tampered"))
	require.Error(t, VerifyPKCS1v15SHA1(&key.PublicKey, badDigest, sig))
}

func TestMGF1XORRoundTrip(t *testing.T) {
	seed := []byte("session-key-material")
	plaintext := []byte("TPM command body bytes to encrypt under transport session")

	ciphertext := make([]byte, len(plaintext))
	MGF1XOR(ciphertext, plaintext, seed)
	require.NotEqual(t, plaintext, ciphertext)

	recovered := make([]byte, len(ciphertext))
	MGF1XOR(recovered, ciphertext, seed)
	require.Equal(t, plaintext, recovered)
}

func TestAESCBCRoundTrip(t *testing.T) {
	key, err := GenerateRandomBytes(32)
	require.NoError(t, err)

	padded := PadPKCS7([]byte("savestate blob payload"), 16)
	ct, err := AESCBCEncrypt(key, padded)
	require.NoError(t, err)

	pt, err := AESCBCDecrypt(key, ct)
	require.NoError(t, err)

	unpadded, err := UnpadPKCS7(pt)
	require.NoError(t, err)
	require.Equal(t, "savestate blob payload", string(unpadded))
}
