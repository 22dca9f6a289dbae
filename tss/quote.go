package tss

import (
	"fmt"
	"sort"

	"tpmd/internal/quote"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// Quote signs a PCR composite digest under keyHandle, binding it to
// antiReplay. The PCR selection is carried as a blob32-prefixed raw
// bitmap rather than TPM_PCR_SELECTION's own blob16 encoding — this
// daemon's Quote/Quote2/DeepQuote parameters use the wider prefix, so a
// client replicating wire.PCRSelection.Marshal() here would build a
// request the daemon can't parse.
func Quote(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, sel wire.PCRSelection, antiReplay tpmcrypto.Digest, continueAuth bool) (compositeDigest tpmcrypto.Digest, sig []byte, err error) {
	params := newWriter().u32(keyHandle).raw(antiReplay[:]).blob32(sel.Select[:]).bytes()
	resp, err := c.callAuth1(sess, ordQuote, params, keyAuth, continueAuth)
	if err != nil {
		return tpmcrypto.Digest{}, nil, err
	}
	r := newReader(resp)
	copy(compositeDigest[:], r.bytes(tpmcrypto.DigestSize))
	sig = r.blob32()
	if r.err != nil {
		return tpmcrypto.Digest{}, nil, fmt.Errorf("tss: parse Quote response: %w", r.err)
	}
	return compositeDigest, sig, nil
}

// Quote2 is Quote with the selection recorded inside the signed
// structure; this daemon omits the optional TPM_CAP_VERSION_INFO
// appendix and returns only the signature.
func Quote2(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, sel wire.PCRSelection, antiReplay tpmcrypto.Digest, continueAuth bool) ([]byte, error) {
	params := newWriter().u32(keyHandle).raw(antiReplay[:]).blob32(sel.Select[:]).bytes()
	resp, err := c.callAuth1(sess, ordQuote2, params, keyAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	sig := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse Quote2 response: %w", r.err)
	}
	return sig, nil
}

// DeepQuote composites two independent PCR selections into one
// DeepQuoteBin container, the outer selection read from this daemon's
// own bank and the inner selection typically identifying a nested
// guest's view of it. extraInfo carries the optional UUID/measurement/
// group-info/group-pubkey hashes the caller wants chained into the
// container's externalData; a nil map omits them all.
func DeepQuote(c *Client, sess *Session, keyHandle uint32, keyAuth tpmcrypto.Digest, outerSel, innerSel wire.PCRSelection, extraInfo map[quote.ExtraInfoFlags]tpmcrypto.Digest, antiReplay tpmcrypto.Digest, continueAuth bool) (quote.DeepQuoteBin, error) {
	params := newWriter().u32(keyHandle).raw(antiReplay[:]).
		blob32(outerSel.Select[:]).blob32(innerSel.Select[:]).
		blob32(marshalExtraInfo(extraInfo)).bytes()
	resp, err := c.callAuth1(sess, ordDeepQuote, params, keyAuth, continueAuth)
	if err != nil {
		return quote.DeepQuoteBin{}, err
	}
	r := newReader(resp)
	binBytes := r.blob32()
	if r.err != nil {
		return quote.DeepQuoteBin{}, fmt.Errorf("tss: parse DeepQuote response: %w", r.err)
	}
	bin, err := quote.ParseDeepQuoteBin(binBytes)
	if err != nil {
		return quote.DeepQuoteBin{}, fmt.Errorf("tss: parse DeepQuote container: %w", err)
	}
	return bin, nil
}

// marshalExtraInfo encodes DeepQuote's optional extra-info hashes as a
// concatenation of (flag uint32, digest[20]) entries, in ascending flag
// order, matching the daemon's parseExtraInfo.
func marshalExtraInfo(extraInfo map[quote.ExtraInfoFlags]tpmcrypto.Digest) []byte {
	var flags []quote.ExtraInfoFlags
	for f := range extraInfo {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	b := newWriter()
	for _, f := range flags {
		d := extraInfo[f]
		b.u32(uint32(f)).raw(d[:])
	}
	return b.bytes()
}
