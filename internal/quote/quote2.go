package quote

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/pcrengine"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// VersionInfo is TPM_CAP_VERSION_INFO, the engine's self-reported
// major/minor/revision and a vendor-specific info blob (kept opaque
// here, as spec.md treats vendor internals as out of scope).
type VersionInfo struct {
	Major, Minor         byte
	RevMajor, RevMinor   byte
	SpecLevel            uint16
	ErrataRev            byte
	TPMVendorID          [4]byte
	VendorSpecific       []byte
}

func (v VersionInfo) Marshal() []byte {
	buf := newQuoteBuilder()
	buf.u8(v.Major).u8(v.Minor).u8(v.RevMajor).u8(v.RevMinor)
	buf.u16(v.SpecLevel).u8(v.ErrataRev)
	buf.raw(v.TPMVendorID[:])
	buf.blob16(v.VendorSpecific)
	return buf.bytes()
}

// Info2 is TPM_QUOTE_INFO2: tag 0x0036, version tag "QUT2", a fixed info
// flag byte (bit 0 set when the signature covers VersionInfo, per the
// ordinal's addVersion argument), a TPM_PCR_INFO_SHORT (pcrSelection,
// localityAtRelease, pcrDigest — not the bare digest+selection pair
// TPM_QUOTE_INFO carries), and the external data nonce.
type Info2 struct {
	Fixed             byte
	Selection         wire.PCRSelection
	LocalityAtRelease byte
	CompositeDigest   tpmcrypto.Digest
	ExternalData      tpmcrypto.Digest
	Version           *VersionInfo // nil unless addVersion was requested
}

const quoteInfo2Tag uint16 = 0x0036

var qut2VersionTag = [4]byte{'Q', 'U', 'T', '2'}

func (i Info2) Marshal() []byte {
	b := newQuoteBuilder()
	b.u16(quoteInfo2Tag)
	b.raw(qut2VersionTag[:])
	b.u8(i.Fixed)
	b.raw(i.Selection.Marshal())
	b.u8(i.LocalityAtRelease)
	b.raw(i.CompositeDigest[:])
	b.raw(i.ExternalData[:])
	if i.Version != nil {
		b.blob16(i.Version.Marshal())
	}
	return b.bytes()
}

// Quote2 is Quote with an additional TPM_PCR_SELECTION recorded in the
// signed structure and, optionally, TPM_CAP_VERSION_INFO appended.
func Quote2(bank *pcrengine.Bank, sel wire.PCRSelection, localityAtRelease byte, externalData tpmcrypto.Digest, version *VersionInfo, signingKey *rsa.PrivateKey) (Info2, []byte, error) {
	fixed := byte(0)
	if version != nil {
		fixed |= 1
	}
	info := Info2{
		Fixed:             fixed,
		Selection:         sel,
		LocalityAtRelease: localityAtRelease,
		CompositeDigest:   bank.Composite(sel),
		ExternalData:      externalData,
		Version:           version,
	}
	digest := tpmcrypto.SHA1(info.Marshal())
	sig, err := tpmcrypto.SignPKCS1v15SHA1(signingKey, digest)
	if err != nil {
		return Info2{}, nil, fmt.Errorf("quote: quote2 signing: %w", err)
	}
	return info, sig, nil
}

// a tiny local builder avoids exporting internal/wire's unexported
// builder type across package boundaries.
type quoteBuilder struct {
	buf []byte
}

func newQuoteBuilder() *quoteBuilder { return &quoteBuilder{} }

func (b *quoteBuilder) u8(v byte) *quoteBuilder {
	b.buf = append(b.buf, v)
	return b
}

func (b *quoteBuilder) u16(v uint16) *quoteBuilder {
	b.buf = append(b.buf, byte(v>>8), byte(v))
	return b
}

func (b *quoteBuilder) raw(v []byte) *quoteBuilder {
	b.buf = append(b.buf, v...)
	return b
}

func (b *quoteBuilder) blob16(v []byte) *quoteBuilder {
	b.u16(uint16(len(v)))
	b.raw(v)
	return b
}

func (b *quoteBuilder) u32(v uint32) *quoteBuilder {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

func (b *quoteBuilder) blob32(v []byte) *quoteBuilder {
	b.u32(uint32(len(v)))
	b.raw(v)
	return b
}

func (b *quoteBuilder) bytes() []byte { return b.buf }

// quoteReader is quoteBuilder's read-side counterpart, used by
// ParseDeepQuoteBin to walk a serialized container without reaching
// into internal/wire's unexported cursor.
type quoteReader struct {
	buf []byte
	pos int
	err error
}

func newQuoteReader(buf []byte) *quoteReader { return &quoteReader{buf: buf} }

func (r *quoteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("quote: unexpected end of data")
		return false
	}
	return true
}

func (r *quoteReader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *quoteReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v
}

func (r *quoteReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := uint32(r.buf[r.pos])<<24 | uint32(r.buf[r.pos+1])<<16 | uint32(r.buf[r.pos+2])<<8 | uint32(r.buf[r.pos+3])
	r.pos += 4
	return v
}

func (r *quoteReader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v
}

func (r *quoteReader) blob16() []byte {
	n := int(r.u16())
	return r.bytes(n)
}

func (r *quoteReader) blob32() []byte {
	n := int(r.u32())
	return r.bytes(n)
}
