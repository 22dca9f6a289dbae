package persist

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

const macSize = sha256.Size

// deriveIntegrityKey stretches masterSecret into a 32-byte HMAC key via
// HKDF-SHA256, with the blob kind as the info parameter so that the three
// blobs never share a key even when written under the same master secret.
func deriveIntegrityKey(masterSecret []byte, kind Kind) []byte {
	r := hkdf.New(sha256.New, masterSecret, nil, []byte("tpmd-persist-"+kind.String()))
	key := make([]byte, macSize)
	// hkdf.New's Reader never returns an error short of a broken hash
	// implementation; io.ReadFull's error is checked purely defensively.
	if _, err := io.ReadFull(r, key); err != nil {
		panic("persist: hkdf expansion failed: " + err.Error())
	}
	return key
}

func computeMAC(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

func verifyMAC(key, body, trailer []byte) bool {
	expected := computeMAC(key, body)
	return subtle.ConstantTimeCompare(expected, trailer) == 1
}
