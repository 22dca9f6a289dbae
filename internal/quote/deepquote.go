package quote

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/pcrengine"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// ExtraInfoFlags identifies which optional hashes ride along in a
// DeepQuote's externalData chain, mirroring the vTPM manager's
// VTPM_QUOTE_FLAGS_* bitmask: hash of the instance UUID, a digest over
// the vTPM's own measurement log, the migratable group's info blob, and
// the group's public key.
type ExtraInfoFlags uint32

const (
	ExtraInfoHashUUID         ExtraInfoFlags = 1 << 0
	ExtraInfoVTPMMeasurements ExtraInfoFlags = 1 << 1
	ExtraInfoGroupInfo        ExtraInfoFlags = 1 << 2
	ExtraInfoGroupPubkey      ExtraInfoFlags = 1 << 3
)

var extraInfoOrder = []ExtraInfoFlags{
	ExtraInfoHashUUID, ExtraInfoVTPMMeasurements, ExtraInfoGroupInfo, ExtraInfoGroupPubkey,
}

const (
	maxInfoHashes    = len(extraInfoOrder)
	maxDeepQuotePCRs = wire.NumPCRs
	deepQuoteSigSize = 256 // TPM_DeepQuote's fixed signature field; requires a 2048-bit physical AIK
)

// dqutHeader opens the externalData hash chain a DeepQuote anchors its
// vTPM quote context to, matching the vTPM manager's "DQUT" marker.
var dqutHeader = [8]byte{0, 0, 0, 0, 'D', 'Q', 'U', 'T'}

// vPCRInfoShort is the TPM_PCR_INFO_SHORT folded into extData1. The
// reference vTPM manager reports a blank selection and digest here —
// the real virtual register contents travel separately as
// DeepQuoteBin.VTPMValues — and hardcodes localityAtRelease to 1.
type vPCRInfoShort struct {
	Selection         wire.PCRSelection
	LocalityAtRelease byte
	Digest            tpmcrypto.Digest
}

func (p vPCRInfoShort) marshal() []byte {
	b := newQuoteBuilder()
	b.raw(p.Selection.Marshal())
	b.u8(p.LocalityAtRelease)
	b.raw(p.Digest[:])
	return b.bytes()
}

// DeepQuoteInfo is TPM_DeepQuote's DeepQuoteInfo/DeepQuoteValues
// container: the extra-info flag bitmap, the physical TPM's signature
// over the derived external data, and the physical register contents
// backing that signature's composite digest.
type DeepQuoteInfo struct {
	ExtraInfoFlags ExtraInfoFlags
	Signature      [deepQuoteSigSize]byte
	InfoHashes     []tpmcrypto.Digest // ascending flag-bit order, at most maxInfoHashes
	PCRVals        []tpmcrypto.Digest // physical registers named by the selection, ascending index order
}

func (d DeepQuoteInfo) marshal() []byte {
	b := newQuoteBuilder()
	b.u32(uint32(d.ExtraInfoFlags))
	b.raw(d.Signature[:])
	b.u32(uint32(len(d.InfoHashes)))
	for _, h := range d.InfoHashes {
		b.raw(h[:])
	}
	b.u32(uint32(len(d.PCRVals)))
	for _, v := range d.PCRVals {
		b.raw(v[:])
	}
	return b.bytes()
}

func parseDeepQuoteInfo(r *quoteReader) (DeepQuoteInfo, error) {
	var d DeepQuoteInfo
	d.ExtraInfoFlags = ExtraInfoFlags(r.u32())
	copy(d.Signature[:], r.bytes(deepQuoteSigSize))
	numInfo := int(r.u32())
	if numInfo > maxInfoHashes {
		return DeepQuoteInfo{}, fmt.Errorf("quote: deepquote info hash count %d exceeds %d", numInfo, maxInfoHashes)
	}
	for i := 0; i < numInfo; i++ {
		var h tpmcrypto.Digest
		copy(h[:], r.bytes(tpmcrypto.DigestSize))
		d.InfoHashes = append(d.InfoHashes, h)
	}
	numPCR := int(r.u32())
	if numPCR > maxDeepQuotePCRs {
		return DeepQuoteInfo{}, fmt.Errorf("quote: deepquote pcr value count %d exceeds %d", numPCR, maxDeepQuotePCRs)
	}
	for i := 0; i < numPCR; i++ {
		var v tpmcrypto.Digest
		copy(v[:], r.bytes(tpmcrypto.DigestSize))
		d.PCRVals = append(d.PCRVals, v)
	}
	if r.err != nil {
		return DeepQuoteInfo{}, r.err
	}
	return d, nil
}

// DeepQuoteBin is the on-disk DeepQuote container: the physical PCR
// selection and DeepQuoteInfo the physical TPM signed, followed by the
// vTPM's own quote signature and its PCR composite over the virtual
// selection (TPM_PCR_COMPOSITE), per TPM_WriteDeepQuoteBin.
type DeepQuoteBin struct {
	PhysicalSelection wire.PCRSelection
	Info              DeepQuoteInfo

	VTPMSignature []byte
	VTPMSelection wire.PCRSelection
	VTPMValues    []tpmcrypto.Digest // ascending index order
}

// Marshal serializes the container in the on-disk field order: physical
// selection, DeepQuoteInfo, then the vTPM's signature and PCR composite.
func (d DeepQuoteBin) Marshal() []byte {
	b := newQuoteBuilder()
	b.raw(d.PhysicalSelection.Marshal())
	b.raw(d.Info.marshal())
	b.blob32(d.VTPMSignature)
	b.raw(wire.PCRCompositeInput{Selection: d.VTPMSelection, Values: d.VTPMValues}.Marshal())
	return b.bytes()
}

// ParseDeepQuoteBin is Marshal's inverse.
func ParseDeepQuoteBin(raw []byte) (DeepQuoteBin, error) {
	r := newQuoteReader(raw)
	var d DeepQuoteBin

	sel, err := parsePCRSelection(r)
	if err != nil {
		return DeepQuoteBin{}, fmt.Errorf("quote: parse deepquote physical selection: %w", err)
	}
	d.PhysicalSelection = sel

	info, err := parseDeepQuoteInfo(r)
	if err != nil {
		return DeepQuoteBin{}, fmt.Errorf("quote: parse deepquote info: %w", err)
	}
	d.Info = info

	d.VTPMSignature = r.blob32()

	vSel, err := parsePCRSelection(r)
	if err != nil {
		return DeepQuoteBin{}, fmt.Errorf("quote: parse deepquote vtpm selection: %w", err)
	}
	d.VTPMSelection = vSel

	valueSize := int(r.u32())
	if valueSize%tpmcrypto.DigestSize != 0 {
		return DeepQuoteBin{}, fmt.Errorf("quote: deepquote vtpm composite value size %d not a multiple of %d", valueSize, tpmcrypto.DigestSize)
	}
	for i := 0; i < valueSize/tpmcrypto.DigestSize; i++ {
		var v tpmcrypto.Digest
		copy(v[:], r.bytes(tpmcrypto.DigestSize))
		d.VTPMValues = append(d.VTPMValues, v)
	}
	if r.err != nil {
		return DeepQuoteBin{}, r.err
	}
	return d, nil
}

// DeepQuoteParams bundles a DeepQuote request's inputs beyond the two
// PCR banks and signing keys.
type DeepQuoteParams struct {
	AntiReplay  tpmcrypto.Digest
	PhysicalSel wire.PCRSelection
	VirtualSel  wire.PCRSelection
	ExtraInfo   map[ExtraInfoFlags]tpmcrypto.Digest
}

// DeepQuote implements TPM_DeepQuote. The vTPM first quotes its own
// virtual registers (innerKey) against the caller's anti-replay nonce;
// the physical TPM then signs a composite over its own registers
// (outerKey) whose externalData is a "DQUT"-header hash chain
// anchoring that inner quote, a blank vPCR_INFO_SHORT, and the caller's
// extra-info hashes. The returned DeepQuoteBin is the on-disk
// container; serialize it with Marshal for transport or storage.
func DeepQuote(outerBank, innerBank *pcrengine.Bank, params DeepQuoteParams, outerKey, innerKey *rsa.PrivateKey) (DeepQuoteBin, error) {
	if len(outerKey.PublicKey.N.Bytes()) != deepQuoteSigSize {
		return DeepQuoteBin{}, fmt.Errorf("quote: deepquote requires a %d-bit physical signing key", deepQuoteSigSize*8)
	}

	innerValues := selectedValues(innerBank, params.VirtualSel)
	_, innerSig, err := Quote(innerBank, params.VirtualSel, params.AntiReplay, innerKey)
	if err != nil {
		return DeepQuoteBin{}, fmt.Errorf("quote: deepquote inner quote: %w", err)
	}

	dqNonce := tpmcrypto.SHA1(params.AntiReplay[:], innerSig, params.VirtualSel.Marshal(), flattenDigests(innerValues))

	blank := vPCRInfoShort{LocalityAtRelease: 1}
	extData1 := tpmcrypto.SHA1(dqutHeader[:], dqNonce[:], blank.marshal())

	var flags ExtraInfoFlags
	var infoHashes []tpmcrypto.Digest
	for _, bit := range extraInfoOrder {
		h, ok := params.ExtraInfo[bit]
		if !ok {
			continue
		}
		flags |= bit
		infoHashes = append(infoHashes, h)
	}

	extData2 := tpmcrypto.SHA1(u32Bytes(uint32(flags)), extData1[:], flattenDigests(infoHashes))

	_, physicalSig, err := Quote(outerBank, params.PhysicalSel, extData2, outerKey)
	if err != nil {
		return DeepQuoteBin{}, fmt.Errorf("quote: deepquote physical quote: %w", err)
	}

	var sig [deepQuoteSigSize]byte
	copy(sig[:], physicalSig)

	return DeepQuoteBin{
		PhysicalSelection: params.PhysicalSel,
		Info: DeepQuoteInfo{
			ExtraInfoFlags: flags,
			Signature:      sig,
			InfoHashes:     infoHashes,
			PCRVals:        selectedValues(outerBank, params.PhysicalSel),
		},
		VTPMSignature: innerSig,
		VTPMSelection: params.VirtualSel,
		VTPMValues:    innerValues,
	}, nil
}

// ValidateDeepQuoteInfo recomputes the physical TPM's externalData hash
// chain from bin and verifies its signature against pub, mirroring the
// challenger-side TPM_ValidateDeepQuoteInfo check. It validates only the
// outer/physical signature; verifying the inner vTPM quote against the
// vTPM's own AIK is a separate VerifyQuote call the caller makes over
// bin.VTPMSignature.
func ValidateDeepQuoteInfo(bin DeepQuoteBin, antiReplay tpmcrypto.Digest, pub *rsa.PublicKey) error {
	dqNonce := tpmcrypto.SHA1(antiReplay[:], bin.VTPMSignature, bin.VTPMSelection.Marshal(), flattenDigests(bin.VTPMValues))

	blank := vPCRInfoShort{LocalityAtRelease: 1}
	extData1 := tpmcrypto.SHA1(dqutHeader[:], dqNonce[:], blank.marshal())
	extData2 := tpmcrypto.SHA1(u32Bytes(uint32(bin.Info.ExtraInfoFlags)), extData1[:], flattenDigests(bin.Info.InfoHashes))

	composite := wire.PCRCompositeInput{Selection: bin.PhysicalSelection, Values: bin.Info.PCRVals}
	compDigest := tpmcrypto.SHA1(composite.Marshal())

	physicalInfo := Info{CompositeDigest: compDigest, ExternalData: extData2}
	return VerifyQuote(physicalInfo, bin.Info.Signature[:], pub)
}

func selectedValues(bank *pcrengine.Bank, sel wire.PCRSelection) []tpmcrypto.Digest {
	var values []tpmcrypto.Digest
	for i := 0; i < wire.NumPCRs; i++ {
		if sel.Has(i) {
			v, _ := bank.Read(i)
			values = append(values, v)
		}
	}
	return values
}

func flattenDigests(vals []tpmcrypto.Digest) []byte {
	out := make([]byte, 0, len(vals)*tpmcrypto.DigestSize)
	for _, v := range vals {
		out = append(out, v[:]...)
	}
	return out
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func parsePCRSelection(r *quoteReader) (wire.PCRSelection, error) {
	var s wire.PCRSelection
	raw := r.blob16()
	if r.err != nil {
		return wire.PCRSelection{}, r.err
	}
	if len(raw) > len(s.Select) {
		return wire.PCRSelection{}, fmt.Errorf("quote: pcr selection of %d bytes exceeds %d registers", len(raw), wire.NumPCRs)
	}
	copy(s.Select[:], raw)
	return s, nil
}
