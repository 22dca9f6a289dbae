package wire

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// NumPCRs is the register count this engine implements (spec.md fixes 24,
// matching the common TPM 1.2 PC-client profile).
const NumPCRs = 24

// PCRSelectionBytes is the byte width of the select bitmap for NumPCRs
// registers, rounded up to a full byte.
const PCRSelectionBytes = (NumPCRs + 7) / 8

// PCRSelection is TPM_PCR_SELECTION: a bitmap of which of the NumPCRs
// registers participate in a composite digest.
type PCRSelection struct {
	Select [PCRSelectionBytes]byte
}

func (s PCRSelection) Has(index int) bool {
	if index < 0 || index >= NumPCRs {
		return false
	}
	return s.Select[index/8]&(1<<uint(index%8)) != 0
}

func (s *PCRSelection) Set(index int) {
	if index < 0 || index >= NumPCRs {
		return
	}
	s.Select[index/8] |= 1 << uint(index%8)
}

func (s PCRSelection) Marshal() []byte {
	return newBuilder().blob16(s.Select[:]).bytes()
}

func readPCRSelection(c *cursor) (PCRSelection, error) {
	var s PCRSelection
	raw := c.blob16()
	if c.err != nil {
		return s, c.err
	}
	if len(raw) > PCRSelectionBytes {
		return s, fmt.Errorf("wire: %w: pcr selection of %d bytes exceeds %d registers", ErrOverflow, len(raw), NumPCRs)
	}
	copy(s.Select[:], raw)
	return s, nil
}

// PCRCompositeInput is the digest computed over the selected registers'
// concatenated values, as described by TPM_PCR_COMPOSITE: selection,
// value-size, then the concatenated register contents in ascending index
// order. Callers hash the Marshal output with tpmcrypto.SHA1 to obtain
// the composite digest.
type PCRCompositeInput struct {
	Selection PCRSelection
	Values    []tpmcrypto.Digest // one per set bit, ascending index order
}

func (c PCRCompositeInput) Marshal() []byte {
	b := newBuilder()
	b.raw(c.Selection.Marshal())
	b.u32(uint32(len(c.Values) * tpmcrypto.DigestSize))
	for _, v := range c.Values {
		b.raw(v[:])
	}
	return b.bytes()
}

// PCRInfoVariant distinguishes TPM_PCR_INFO from TPM_PCR_INFO_LONG: the
// long form adds locality-at-release and locality-at-creation masks used
// by sealed-data and key-creation commands bound to a specific locality.
type PCRInfoVariant byte

const (
	PCRInfoShort PCRInfoVariant = iota
	PCRInfoLong
)

// PCRInfo carries the release policy digest for a sealed blob or key: the
// composite digest the PCRs must reproduce at unseal/use time. Long form
// additionally pins localities.
type PCRInfo struct {
	Variant             PCRInfoVariant
	CreationSelection    PCRSelection
	ReleaseSelection     PCRSelection
	DigestAtCreation     tpmcrypto.Digest
	DigestAtRelease      tpmcrypto.Digest
	LocalityAtCreation   byte // long form only
	LocalityAtRelease    byte // long form only
}

func (p PCRInfo) Marshal() []byte {
	b := newBuilder()
	switch p.Variant {
	case PCRInfoLong:
		b.u16(0x0006) // TPM_TAG_PCR_INFO_LONG
		b.u8(p.LocalityAtCreation)
		b.u8(p.LocalityAtRelease)
		b.raw(p.CreationSelection.Marshal())
		b.raw(p.ReleaseSelection.Marshal())
		b.raw(p.DigestAtCreation[:])
		b.raw(p.DigestAtRelease[:])
	default:
		b.raw(p.ReleaseSelection.Marshal())
		b.raw(p.DigestAtRelease[:])
	}
	return b.bytes()
}

// ParsePCRInfoLong parses the long form, which leads with the
// TPM_TAG_PCR_INFO_LONG tag; any other leading tag is rejected with
// ErrBadTag. ParsePCRInfo picks between this and ParsePCRInfoShort.
func ParsePCRInfoLong(raw []byte) (PCRInfo, error) {
	c := newCursor(raw)
	var p PCRInfo
	p.Variant = PCRInfoLong
	tag := c.u16()
	if tag != 0x0006 {
		return p, fmt.Errorf("wire: %w: expected TPM_TAG_PCR_INFO_LONG, got 0x%04x", ErrBadTag, tag)
	}
	p.LocalityAtCreation = c.u8()
	p.LocalityAtRelease = c.u8()
	sel, err := readPCRSelection(c)
	if err != nil {
		return p, err
	}
	p.CreationSelection = sel
	sel2, err := readPCRSelection(c)
	if err != nil {
		return p, err
	}
	p.ReleaseSelection = sel2
	copy(p.DigestAtCreation[:], c.bytes(tpmcrypto.DigestSize))
	copy(p.DigestAtRelease[:], c.bytes(tpmcrypto.DigestSize))
	if c.err != nil {
		return p, c.err
	}
	return p, nil
}

// ParsePCRInfo parses whichever variant raw encodes: the long form leads
// with the TPM_TAG_PCR_INFO_LONG tag, which can never collide with the
// short form's leading u16 selection-length prefix (always
// PCRSelectionBytes for this engine's fixed NumPCRs).
func ParsePCRInfo(raw []byte) (PCRInfo, error) {
	if len(raw) >= 2 && raw[0] == 0x00 && raw[1] == 0x06 {
		return ParsePCRInfoLong(raw)
	}
	return ParsePCRInfoShort(raw)
}

func ParsePCRInfoShort(raw []byte) (PCRInfo, error) {
	c := newCursor(raw)
	var p PCRInfo
	p.Variant = PCRInfoShort
	sel, err := readPCRSelection(c)
	if err != nil {
		return p, err
	}
	p.ReleaseSelection = sel
	copy(p.DigestAtRelease[:], c.bytes(tpmcrypto.DigestSize))
	if c.err != nil {
		return p, c.err
	}
	return p, nil
}
