package engine

import (
	"tpmd/internal/quote"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleExtend folds a measurement into a PCR and returns its new value.
// TPM_Extend carries no authorization in the reference protocol (PCR
// extend is gated by locality, not a secret), matching its no-auth tag
// family here.
func handleExtend(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	pcr := int(r.u32())
	var measurement tpmcrypto.Digest
	copy(measurement[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	newValue, err := e.pcrs.Extend(pcr, measurement)
	if err != nil {
		return nil, nil, wire.BadIndex
	}
	return newWriter().raw(newValue[:]).bytes(), nil, wire.Success
}

// handlePcrRead returns a single register's current value.
func handlePcrRead(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	pcr := int(r.u32())
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	value, err := e.pcrs.Read(pcr)
	if err != nil {
		return nil, nil, wire.BadIndex
	}
	return newWriter().raw(value[:]).bytes(), nil, wire.Success
}

// handleQuote signs a PCR composite digest under a loaded signing key,
// binding it to a caller-supplied anti-replay nonce.
func handleQuote(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	var externalData tpmcrypto.Digest
	copy(externalData[:], r.bytes(tpmcrypto.DigestSize))
	selBytes := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	var sel wire.PCRSelection
	copy(sel.Select[:], selBytes)

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	info, sig, err := quote.Quote(e.pcrs, sel, externalData, ent.Private)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := newWriter().raw(info.CompositeDigest[:]).blob32(sig).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleQuote2 is Quote plus the selection recorded inside the signed
// structure; version info is omitted here since this engine has no
// TPM_CAP_VERSION_INFO of its own to report beyond what GetCapability
// already exposes.
func handleQuote2(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	var externalData tpmcrypto.Digest
	copy(externalData[:], r.bytes(tpmcrypto.DigestSize))
	selBytes := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	var sel wire.PCRSelection
	copy(sel.Select[:], selBytes)

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	_, sig, err := quote.Quote2(e.pcrs, sel, e.locality, externalData, nil, ent.Private)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := newWriter().blob32(sig).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleDeepQuote builds a DeepQuoteBin: the vTPM quotes its own virtual
// registers, then this key signs a composite over the physical registers
// whose externalData anchors that inner quote via the "DQUT" hash chain
// (see internal/quote.DeepQuote). This engine has no separate
// nested-partition bank or distinct vTPM identity key, so both quote
// steps read the same PCR bank and sign under the same key; a host
// embedding a real nested partition would pass its own bank and AIK as
// the inner ones instead.
func handleDeepQuote(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	var antiReplay tpmcrypto.Digest
	copy(antiReplay[:], r.bytes(tpmcrypto.DigestSize))
	outerSelBytes := r.blob32()
	innerSelBytes := r.blob32()
	extraInfoBlob := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	var outerSel, innerSel wire.PCRSelection
	copy(outerSel.Select[:], outerSelBytes)
	copy(innerSel.Select[:], innerSelBytes)
	extraInfo, err := parseExtraInfo(extraInfoBlob)
	if err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	bin, err := quote.DeepQuote(e.pcrs, e.pcrs, quote.DeepQuoteParams{
		AntiReplay:  antiReplay,
		PhysicalSel: outerSel,
		VirtualSel:  innerSel,
		ExtraInfo:   extraInfo,
	}, ent.Private, ent.Private)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := newWriter().blob32(bin.Marshal()).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// parseExtraInfo decodes DeepQuote's optional extra-info blob: a
// concatenation of (flag uint32, digest[20]) entries, at most one per
// quote.ExtraInfoFlags bit.
func parseExtraInfo(blob []byte) (map[quote.ExtraInfoFlags]tpmcrypto.Digest, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	const entrySize = 4 + tpmcrypto.DigestSize
	if len(blob)%entrySize != 0 {
		return nil, wire.ErrOverflow
	}
	out := make(map[quote.ExtraInfoFlags]tpmcrypto.Digest, len(blob)/entrySize)
	for off := 0; off < len(blob); off += entrySize {
		flag := quote.ExtraInfoFlags(uint32(blob[off])<<24 | uint32(blob[off+1])<<16 | uint32(blob[off+2])<<8 | uint32(blob[off+3]))
		var digest tpmcrypto.Digest
		copy(digest[:], blob[off+4:off+entrySize])
		out[flag] = digest
	}
	return out, nil
}
