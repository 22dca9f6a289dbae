package wire

import (
	"encoding/binary"
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// AuthTrailerSize is the marshaled length of one auth session trailer:
// sessionHandle(4) + nonceOdd(20) + continueAuthSession(1) + auth(20).
const AuthTrailerSize = 4 + tpmcrypto.DigestSize + 1 + tpmcrypto.DigestSize

// AuthTrailer carries one session's authorization fields. A no-auth
// command has zero trailers, a one-auth command has one, a two-auth
// command (used by operations needing both an entity and an owner
// authorization) has two, in wire order.
type AuthTrailer struct {
	SessionHandle uint32
	NonceOdd      tpmcrypto.Digest
	ContinueAuth  bool
	Auth          tpmcrypto.Digest
}

func (a AuthTrailer) Marshal() []byte {
	buf := make([]byte, AuthTrailerSize)
	binary.BigEndian.PutUint32(buf[0:4], a.SessionHandle)
	copy(buf[4:24], a.NonceOdd[:])
	if a.ContinueAuth {
		buf[24] = 1
	}
	copy(buf[25:45], a.Auth[:])
	return buf
}

func ReadAuthTrailer(b []byte) (AuthTrailer, error) {
	var a AuthTrailer
	if len(b) < AuthTrailerSize {
		return a, fmt.Errorf("wire: %w: auth trailer needs %d bytes, got %d", ErrShortBuffer, AuthTrailerSize, len(b))
	}
	a.SessionHandle = binary.BigEndian.Uint32(b[0:4])
	copy(a.NonceOdd[:], b[4:24])
	a.ContinueAuth = b[24] != 0
	copy(a.Auth[:], b[25:45])
	return a, nil
}

// ReadAuthTrailers reads count trailers from the tail of b, returning them
// in wire order along with the byte offset at which they began (i.e. the
// length of the parameter area preceding them).
func ReadAuthTrailers(b []byte, count int) ([]AuthTrailer, int, error) {
	if count == 0 {
		return nil, len(b), nil
	}
	total := count * AuthTrailerSize
	if len(b) < total {
		return nil, 0, fmt.Errorf("wire: %w: need %d bytes for %d auth trailers, got %d", ErrShortBuffer, total, count, len(b))
	}
	offset := len(b) - total
	trailers := make([]AuthTrailer, count)
	for i := 0; i < count; i++ {
		t, err := ReadAuthTrailer(b[offset+i*AuthTrailerSize:])
		if err != nil {
			return nil, 0, err
		}
		trailers[i] = t
	}
	return trailers, offset, nil
}

// AuthHashInput builds the digest TPM_ClearAuthSessionHMAC computes the
// HMAC over: SHA1(ordinal || params) as the leading "paramDigest", followed
// by the even and odd nonces and the continue flag. Callers compute
// paramDigest with tpmcrypto.SHA1 over (ordinal bytes, params) first and
// pass it in here.
func AuthHashInput(paramDigest, nonceEven, nonceOdd tpmcrypto.Digest, continueAuth bool) []byte {
	cont := byte(0)
	if continueAuth {
		cont = 1
	}
	buf := make([]byte, 0, tpmcrypto.DigestSize*3+1)
	buf = append(buf, paramDigest[:]...)
	buf = append(buf, nonceEven[:]...)
	buf = append(buf, nonceOdd[:]...)
	buf = append(buf, cont)
	return buf
}

// OrdinalBytes renders an ordinal in the big-endian form used inside
// paramDigest computations.
func OrdinalBytes(ordinal uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, ordinal)
	return buf
}
