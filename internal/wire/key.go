package wire

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// TagKey12 identifies the newer, tag-prefixed key blob introduced for
// TPM_CMK_* and later ordinals. The older TPM_KEY form instead leads with
// a 4-byte TPM_STRUCT_VER (major.minor.revMajor.revMinor, always
// 1.1.0.0 in practice).
const TagKey12 uint16 = 0x0028

// KeyParms is TPM_KEY_PARMS: the algorithm and scheme selection plus an
// algorithm-specific parameter blob (TPM_RSA_KEY_PARMS for RSA keys:
// keyLength, numPrimes, exponent).
type KeyParms struct {
	AlgorithmID  uint32
	EncScheme    uint16
	SigScheme    uint16
	Params       []byte
}

func (p KeyParms) Marshal() []byte {
	b := newBuilder()
	b.u32(p.AlgorithmID).u16(p.EncScheme).u16(p.SigScheme)
	b.blob32(p.Params)
	return b.bytes()
}

func readKeyParms(c *cursor) KeyParms {
	var p KeyParms
	p.AlgorithmID = c.u32()
	p.EncScheme = c.u16()
	p.SigScheme = c.u16()
	p.Params = c.blob32()
	return p
}

// RSAKeyParms is TPM_RSA_KEY_PARMS, the Params payload of KeyParms for
// TPM_ALG_RSA keys.
type RSAKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  []byte
}

func (p RSAKeyParms) Marshal() []byte {
	b := newBuilder()
	b.u32(p.KeyLength).u32(p.NumPrimes)
	b.blob32(p.Exponent)
	return b.bytes()
}

func ParseRSAKeyParms(raw []byte) (RSAKeyParms, error) {
	c := newCursor(raw)
	var p RSAKeyParms
	p.KeyLength = c.u32()
	p.NumPrimes = c.u32()
	p.Exponent = c.blob32()
	if c.err != nil {
		return p, c.err
	}
	return p, nil
}

// StorePubkey is TPM_STORE_PUBKEY: a length-prefixed RSA public key. The
// key store fills it with the PKCS#1 DER encoding produced by
// tpmcrypto.MarshalPublicKey, not with bare modulus bytes.
type StorePubkey struct {
	Key []byte
}

func (k StorePubkey) Marshal() []byte {
	return newBuilder().blob32(k.Key).bytes()
}

func readStorePubkey(c *cursor) StorePubkey {
	return StorePubkey{Key: c.blob32()}
}

// Key12 is TPM_KEY12, the key blob format used throughout the key
// hierarchy (LoadKey2, CreateWrapKey, GetPubKey). KeyFlags and
// AuthDataUsage gate whether the key requires authorization to use, and
// whether it is migratable. EncData holds the RSA-OAEP(TCPA)-wrapped
// TPM_STORE_ASYMKEY payload once the key has a parent; it is empty for a
// key blob that only exposes the public half (as returned by GetPubKey).
type Key12 struct {
	KeyUsage      uint16
	KeyFlags      uint32
	AuthDataUsage  byte
	AlgorithmParms KeyParms
	PCRInfo        []byte
	PubKey         StorePubkey
	EncData        []byte
}

// Key usage values (TPM_KEY_USAGE).
const (
	KeyUsageSignature  uint16 = 0x0010
	KeyUsageStorage    uint16 = 0x0011
	KeyUsageIdentity   uint16 = 0x0012
	KeyUsageAuthChange uint16 = 0x0013
	KeyUsageBind       uint16 = 0x0014
	KeyUsageLegacy     uint16 = 0x0015
	KeyUsageMigrate    uint16 = 0x0016
)

// Key flag bits (TPM_KEY_FLAGS).
const (
	KeyFlagRedirection uint32 = 1 << 0
	KeyFlagMigratable  uint32 = 1 << 1
	KeyFlagVolatile    uint32 = 1 << 2
	KeyFlagPCRIgnoredOnResume uint32 = 1 << 3
	KeyFlagMigrateAuthority   uint32 = 1 << 4
)

func (k Key12) Marshal() []byte {
	b := newBuilder()
	b.u16(TagKey12).u16(0) // fill
	b.u16(k.KeyUsage).u32(k.KeyFlags).u8(k.AuthDataUsage)
	b.raw(k.AlgorithmParms.Marshal())
	b.blob32(k.PCRInfo)
	b.raw(k.PubKey.Marshal())
	b.blob32(k.EncData)
	return b.bytes()
}

func ParseKey12(raw []byte) (Key12, error) {
	var k Key12
	c := newCursor(raw)
	tag := c.u16()
	_ = c.u16() // fill
	if tag != TagKey12 {
		return k, fmt.Errorf("wire: %w: expected TPM_TAG_KEY12 0x%04x, got 0x%04x", ErrBadTag, TagKey12, tag)
	}
	k.KeyUsage = c.u16()
	k.KeyFlags = c.u32()
	k.AuthDataUsage = c.u8()
	k.AlgorithmParms = readKeyParms(c)
	k.PCRInfo = c.blob32()
	k.PubKey = readStorePubkey(c)
	k.EncData = c.blob32()
	if c.err != nil {
		return k, c.err
	}
	return k, nil
}

func (k Key12) Migratable() bool {
	return k.KeyFlags&KeyFlagMigratable != 0
}

func (k Key12) RequiresAuth() bool {
	return k.AuthDataUsage != 0
}

// StoreAsymkey is TPM_STORE_ASYMKEY: the plaintext payload sealed inside
// EncData. PubDataDigest binds the private payload to the specific public
// key it belongs to so a wrapped blob cannot be spliced onto a different
// key's public half.
type StoreAsymkey struct {
	PayloadType    byte
	UsageAuth      tpmcrypto.Digest
	MigrationAuth  tpmcrypto.Digest
	PubDataDigest  tpmcrypto.Digest
	PrivKey        []byte
}

// Payload type values (TPM_PT_*).
const (
	PayloadTypeAsymkey   byte = 0x01
	PayloadTypeBind      byte = 0x02
	PayloadTypeMigrate   byte = 0x03
	PayloadTypeMaAuth    byte = 0x04
	PayloadTypeSealedData byte = 0x05
)

func (s StoreAsymkey) Marshal() []byte {
	b := newBuilder()
	b.u8(s.PayloadType)
	b.raw(s.UsageAuth[:])
	b.raw(s.MigrationAuth[:])
	b.raw(s.PubDataDigest[:])
	b.blob32(s.PrivKey)
	return b.bytes()
}

func ParseStoreAsymkey(raw []byte) (StoreAsymkey, error) {
	var s StoreAsymkey
	c := newCursor(raw)
	s.PayloadType = c.u8()
	copy(s.UsageAuth[:], c.bytes(tpmcrypto.DigestSize))
	copy(s.MigrationAuth[:], c.bytes(tpmcrypto.DigestSize))
	copy(s.PubDataDigest[:], c.bytes(tpmcrypto.DigestSize))
	s.PrivKey = c.blob32()
	if c.err != nil {
		return s, c.err
	}
	return s, nil
}
