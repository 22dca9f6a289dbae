package tpmcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
)

// TCPALabel is the OAEP label the TPM 1.2 spec mandates for all
// key-wrapping (bind/unbind) operations: the literal ASCII bytes "TCPA".
var TCPALabel = []byte("TCPA")

var (
	ErrKeyGeneration = errors.New("tpmcrypto: RSA key generation failed")
	ErrWrap          = errors.New("tpmcrypto: RSA wrap (OAEP encrypt) failed")
	ErrUnwrap        = errors.New("tpmcrypto: RSA unwrap (OAEP decrypt) failed")
	ErrSign          = errors.New("tpmcrypto: RSA sign failed")
	ErrVerify        = errors.New("tpmcrypto: RSA signature verification failed")
)

// GenerateRSAKey generates an RSA key pair of the given modulus size in
// bits (1024 or 2048 per TPM 1.2 key sizes).
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return key, nil
}

// WrapWithTCPALabel OAEP-encrypts plaintext under the public half of
// parent, using the "TCPA" label TPM 1.2 requires for all key-wrapping
// (CreateWrapKey's encData, CreateMigrationBlob rewraps). This is the
// parent-child wrapping used throughout the key hierarchy.
func WrapWithTCPALabel(parent *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, parent, plaintext, TCPALabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrap, err)
	}
	return ct, nil
}

// UnwrapWithTCPALabel reverses WrapWithTCPALabel using the parent private
// key. A failure here (OAEP padding/label mismatch) means the blob was not
// produced for this parent, matching TPM_DECRYPT_ERROR semantics.
func UnwrapWithTCPALabel(parent *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, parent, ciphertext, TCPALabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return pt, nil
}

// SignPKCS1v15SHA1 signs a pre-hashed digest using PKCS#1 v1.5 with
// SHA-1, the default TPM 1.2 signature scheme (TPM_SS_RSASSAPKCS1v15_SHA1)
// used by TPM_Sign, TPM_Quote, TPM_CertifyKey, and the audit digest
// signature.
func SignPKCS1v15SHA1(key *rsa.PrivateKey, digest Digest) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSign, err)
	}
	return sig, nil
}

// VerifyPKCS1v15SHA1 verifies a PKCS#1 v1.5 / SHA-1 signature.
func VerifyPKCS1v15SHA1(pub *rsa.PublicKey, digest Digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrVerify, err)
	}
	return nil
}

// MarshalPublicKey returns the PKCS#1 DER encoding of the RSA public key,
// the byte form stored as a TPM key blob's pubKey.modulus wrapper.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// ParsePublicKey is the inverse of MarshalPublicKey.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("tpmcrypto: parse public key: %w", err)
	}
	return pub, nil
}
