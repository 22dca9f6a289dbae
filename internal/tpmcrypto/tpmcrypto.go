// Package tpmcrypto is the cryptographic adapter: SHA-1 digests, HMAC-SHA1
// session authentication, RSA sign/verify/bind/unbind, AES-CBC, and secure
// random generation, all built on Go's standard crypto library per the
// reuse-don't-hand-roll rule for RSA/AES/SHA primitives. MGF1 keystream
// generation is implemented directly here since it is a construction over
// SHA-1, not a primitive in its own right, and the standard library does
// not expose it standalone.
package tpmcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"fmt"
)

// DigestSize is the SHA-1 digest size used throughout the TPM 1.2 wire
// format for PCR values, nonces, and auth fields.
const DigestSize = 20

// Digest is a 20-byte SHA-1 digest.
type Digest [DigestSize]byte

var ErrInsufficientEntropy = errors.New("tpmcrypto: insufficient entropy")

// SHA1 computes the SHA-1 digest of the concatenation of parts.
func SHA1(parts ...[]byte) Digest {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// HMACSHA1 computes HMAC-SHA1(key, concat(parts...)).
func HMACSHA1(key []byte, parts ...[]byte) Digest {
	mac := hmac.New(sha1.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var d Digest
	copy(d[:], mac.Sum(nil))
	return d
}

// ConstantTimeEqual reports whether two digests are equal without leaking
// timing information — flipping any single bit of an auth value must
// still yield a rejection that takes the same time as a correct one,
// so this cannot be short-circuited by a timing side channel.
func ConstantTimeEqual(a, b Digest) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// SecureCompare is the general-purpose constant-time byte comparison used
// outside of fixed 20-byte digests (e.g. variable-length auth secrets).
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateNonce produces a fresh 20-byte nonce from the system CSPRNG, used
// for session even/odd nonces and for client-supplied odd nonces.
func GenerateNonce() (Digest, error) {
	var d Digest
	n, err := rand.Read(d[:])
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != DigestSize {
		return Digest{}, fmt.Errorf("%w: short read", ErrInsufficientEntropy)
	}
	return d, nil
}

// GenerateRandomBytes fills and returns a buffer of n cryptographically
// secure random bytes — used for migration rewrap pads and session keys.
func GenerateRandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return buf, nil
}

// MGF1 implements the MGF1 mask generation function over SHA-1, producing
// length bytes of keystream from seed. Used for transport-session
// parameter encryption, where the ciphertext length must equal the
// plaintext length (a simple XOR keystream, not a padding scheme in its
// own right).
func MGF1(seed []byte, length int) []byte {
	var out []byte
	var counter uint32
	for len(out) < length {
		c := []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}
		h := sha1.New()
		h.Write(seed)
		h.Write(c)
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:length]
}

// MGF1XOR XORs length bytes of MGF1(seed) keystream into dst in place;
// dst and src may be the same slice (encrypt and decrypt are identical
// operations under a keystream cipher).
func MGF1XOR(dst, src []byte, seed []byte) {
	ks := MGF1(seed, len(src))
	for i := range src {
		dst[i] = src[i] ^ ks[i]
	}
}
