package keystore

import (
	"crypto/rsa"
	"math/big"
)

// rsaPrivateFromD reconstructs a usable *rsa.PrivateKey from the stored
// private exponent alone. TPM_STORE_ASYMKEY only carries the private
// exponent, not the prime factors — Go's crypto/rsa falls back to plain
// modular exponentiation (c^D mod N) whenever Precomputed.Dp is unset, so
// an unset Primes/Precomputed set is sufficient for Decrypt and Sign; it
// only forgoes the CRT speedup a factored key would get.
func rsaPrivateFromD(pub *rsa.PublicKey, d []byte) *rsa.PrivateKey {
	return &rsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
	}
}
