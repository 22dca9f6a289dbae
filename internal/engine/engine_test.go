package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tpmd/internal/counter"
	"tpmd/internal/delegation"
	"tpmd/internal/keystore"
	"tpmd/internal/lockout"
	"tpmd/internal/nvstore"
	"tpmd/internal/pcrengine"
	"tpmd/internal/quote"
	"tpmd/internal/session"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	nvram, err := nvstore.Open(context.Background(), t.TempDir()+"/nvram.db")
	require.NoError(t, err)
	t.Cleanup(func() { nvram.Close() })

	return New(Options{
		Keys:         keystore.NewStore(8),
		Sessions:     session.NewManager(8),
		PCRs:         pcrengine.NewBank([]int{17, 18, 19, 20}),
		NVRAM:        nvram,
		Counters:     counter.NewBank(4, time.Hour),
		Delegations:  delegation.NewTables(4),
		Limiter:      lockout.NewLimiter(lockout.DefaultPolicy()),
		MasterSecret: []byte("engine-test-master-secret-01234"),
	})
}

func buildCommand(tag wire.Tag, ordinal uint32, params []byte, trailers ...wire.AuthTrailer) []byte {
	size := wire.HeaderSize + len(params) + len(trailers)*wire.AuthTrailerSize
	hdr := wire.CommandHeader{Tag: tag, ParamSize: uint32(size), Ordinal: ordinal}
	buf := append([]byte{}, hdr.Marshal()...)
	buf = append(buf, params...)
	for _, tr := range trailers {
		buf = append(buf, tr.Marshal()...)
	}
	return buf
}

func parseResponse(t *testing.T, raw []byte) (wire.ResponseHeader, []byte, []wire.AuthTrailer) {
	t.Helper()
	hdr, err := wire.ReadResponseHeader(raw)
	require.NoError(t, err)
	body := raw[wire.HeaderSize:]
	trailers, paramEnd, err := wire.ReadAuthTrailers(body, hdr.Tag.NumAuthSessions())
	require.NoError(t, err)
	return hdr, body[:paramEnd], trailers
}

// requestAuth reproduces the client side of session.VerifyRequestAuth:
// HMAC(secret, SHA1(ordinal||params) || sessNonceEven || nonceOdd || continueAuth).
// secret is the entity's own auth value for an OIAP session, or the
// OSAP/DSAP-derived shared secret otherwise.
func requestAuth(secret, sessNonceEven, nonceOdd tpmcrypto.Digest, ordinal uint32, params []byte, continueAuth bool) tpmcrypto.Digest {
	paramDigest := tpmcrypto.SHA1(wire.OrdinalBytes(ordinal), params)
	input := wire.AuthHashInput(paramDigest, sessNonceEven, nonceOdd, continueAuth)
	return tpmcrypto.HMACSHA1(secret[:], input)
}

func openOIAP(t *testing.T, e *Engine) (uint32, tpmcrypto.Digest) {
	t.Helper()
	resp := e.Execute(buildCommand(wire.TagRequestCommand, OrdOIAP, nil))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	r := newReader(body)
	handle := r.u32()
	var nonceEven tpmcrypto.Digest
	copy(nonceEven[:], r.bytes(tpmcrypto.DigestSize))
	require.NoError(t, r.err)
	return handle, nonceEven
}

func randomDigest(t *testing.T) tpmcrypto.Digest {
	t.Helper()
	d, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)
	return d
}

func TestTakeOwnershipCreateLoadSignRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	ekResp := e.Execute(buildCommand(wire.TagRequestCommand, OrdCreateEndorsementKeyPair, newWriter().u32(1024).bytes()))
	hdr, _, _ := parseResponse(t, ekResp)
	require.Equal(t, wire.Success, hdr.ReturnCode)

	ek, err := e.keys.EK()
	require.NoError(t, err)

	ownerAuth := randomDigest(t)
	srkAuth := randomDigest(t)
	encOwnerAuth, err := tpmcrypto.WrapWithTCPALabel(ek.Public, ownerAuth[:])
	require.NoError(t, err)
	encSrkAuth, err := tpmcrypto.WrapWithTCPALabel(ek.Public, srkAuth[:])
	require.NoError(t, err)

	sessHandle, nonceEven := openOIAP(t, e)
	params := newWriter().blob32(encOwnerAuth).blob32(encSrkAuth).u32(1024).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(ownerAuth, nonceEven, nonceOdd, OrdTakeOwnership, params, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp := e.Execute(buildCommand(wire.TagRequestAuth1, OrdTakeOwnership, params, trailer))
	hdr, _, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	require.True(t, e.ownerSet)

	// CreateWrapKey under the SRK.
	childUsageAuth := randomDigest(t)
	childMigrationAuth := tpmcrypto.Digest{}
	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(keystore.HandleSRK).u16(wire.KeyUsageSignature).u8(0).u32(1024).
		raw(childUsageAuth[:]).raw(childMigrationAuth[:]).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(srkAuth, nonceEven, nonceOdd, OrdCreateWrapKey, params, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdCreateWrapKey, params, trailer))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	blob, err := wire.ParseKey12(body)
	require.NoError(t, err)

	// LoadKey2 under the SRK.
	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(keystore.HandleSRK).blob32(blob.Marshal()).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(srkAuth, nonceEven, nonceOdd, OrdLoadKey2, params, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdLoadKey2, params, trailer))
	hdr, body, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	childHandle := newReader(body).u32()

	// Sign under the loaded child key.
	data := []byte("attest this payload")
	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(childHandle).blob32(data).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(childUsageAuth, nonceEven, nonceOdd, OrdSign, params, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdSign, params, trailer))
	hdr, body, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	sig := newReader(body).blob32()

	pub, err := e.keys.GetPubKey(childHandle)
	require.NoError(t, err)
	rsaPub, err := tpmcrypto.ParsePublicKey(pub.Key)
	require.NoError(t, err)
	require.NoError(t, tpmcrypto.VerifyPKCS1v15SHA1(rsaPub, tpmcrypto.SHA1(data), sig))
}

func TestPCRExtendThenQuoteProducesExactDigest(t *testing.T) {
	e := newTestEngine(t)

	srk, err := e.keys.TakeOwnership(1024, tpmcrypto.Digest{})
	require.NoError(t, err)

	measurement := tpmcrypto.SHA1([]byte("measured-component"))
	resp := e.Execute(buildCommand(wire.TagRequestCommand, OrdExtend, newWriter().u32(0).raw(measurement[:]).bytes()))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	var extended tpmcrypto.Digest
	copy(extended[:], body[:tpmcrypto.DigestSize])

	var zero tpmcrypto.Digest
	require.Equal(t, tpmcrypto.SHA1(zero[:], measurement[:]), extended)

	var sel wire.PCRSelection
	sel.Set(0)
	externalData := randomDigest(t)
	sessHandle, nonceEven := openOIAP(t, e)
	params := newWriter().u32(keystore.HandleSRK).raw(externalData[:]).blob32(sel.Select[:]).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(srk.UsageAuth, nonceEven, nonceOdd, OrdQuote, params, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdQuote, params, trailer))
	hdr, body, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)

	r := newReader(body)
	var compositeDigest tpmcrypto.Digest
	copy(compositeDigest[:], r.bytes(tpmcrypto.DigestSize))
	sig := r.blob32()

	require.Equal(t, e.pcrs.Composite(sel), compositeDigest)
	require.NoError(t, quote.VerifyQuote(quote.Info{CompositeDigest: compositeDigest, ExternalData: externalData}, sig, srk.Public))
}

func TestNVDefineWriteReadAuthAndBitFlipFails(t *testing.T) {
	e := newTestEngine(t)
	e.ownerSet = true
	e.ownerAuth = randomDigest(t)

	const index uint32 = 0x1000
	indexAuth := randomDigest(t)
	permissions := nvstore.PerAuthWrite | nvstore.PerAuthRead

	sessHandle, nonceEven := openOIAP(t, e)
	params := newWriter().u32(index).u32(16).u32(permissions).raw(indexAuth[:]).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(e.ownerAuth, nonceEven, nonceOdd, OrdNVDefineSpace, params, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp := e.Execute(buildCommand(wire.TagRequestAuth1, OrdNVDefineSpace, params, trailer))
	hdr, _, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)

	value := []byte("secret-material-")
	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(index).u32(0).blob32(value).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(indexAuth, nonceEven, nonceOdd, OrdNVWriteValueAuth, params, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdNVWriteValueAuth, params, trailer))
	hdr, _, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)

	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(index).u32(0).u32(uint32(len(value))).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(indexAuth, nonceEven, nonceOdd, OrdNVReadValueAuth, params, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdNVReadValueAuth, params, trailer))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	require.Equal(t, value, newReader(body).blob32())

	sessHandle, nonceEven = openOIAP(t, e)
	params = newWriter().u32(index).u32(0).u32(uint32(len(value))).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(indexAuth, nonceEven, nonceOdd, OrdNVReadValueAuth, params, false)
	auth[len(auth)-1] ^= 0x01
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdNVReadValueAuth, params, trailer))
	hdr, _, _ = parseResponse(t, resp)
	require.Equal(t, wire.AuthFail, hdr.ReturnCode)
}

func TestOSAPWrongEntityAuthFails(t *testing.T) {
	e := newTestEngine(t)
	correctSRKAuth := randomDigest(t)
	_, err := e.keys.TakeOwnership(1024, correctSRKAuth)
	require.NoError(t, err)
	e.ownerSet = true

	nonceOddOSAP := randomDigest(t)
	params := newWriter().u16(uint16(session.EntityKeyhandle)).u32(keystore.HandleSRK).raw(nonceOddOSAP[:]).bytes()
	resp := e.Execute(buildCommand(wire.TagRequestCommand, OrdOSAP, params))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)

	r := newReader(body)
	sessHandle := r.u32()
	var nonceEven, nonceEvenOSAP tpmcrypto.Digest
	copy(nonceEven[:], r.bytes(tpmcrypto.DigestSize))
	copy(nonceEvenOSAP[:], r.bytes(tpmcrypto.DigestSize))
	require.NoError(t, r.err)

	wrongSRKAuth := randomDigest(t)
	wrongSharedSecret := tpmcrypto.HMACSHA1(wrongSRKAuth[:], nonceEvenOSAP[:], nonceOddOSAP[:])

	getPubParams := newWriter().u32(keystore.HandleSRK).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(wrongSharedSecret, nonceEven, nonceOdd, OrdGetPubKey, getPubParams, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdGetPubKey, getPubParams, trailer))
	hdr, _, _ = parseResponse(t, resp)
	require.Equal(t, wire.AuthFail, hdr.ReturnCode)
}

func TestCounterCreateThenDoubleIncrementRetries(t *testing.T) {
	e := newTestEngine(t)
	e.ownerSet = true
	e.ownerAuth = randomDigest(t)

	label := [4]byte{'C', 'N', 'T', 'R'}
	counterAuth := randomDigest(t)
	sessHandle, nonceEven := openOIAP(t, e)
	params := newWriter().raw(label[:]).raw(counterAuth[:]).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(e.ownerAuth, nonceEven, nonceOdd, OrdCreateCounter, params, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp := e.Execute(buildCommand(wire.TagRequestAuth1, OrdCreateCounter, params, trailer))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	r := newReader(body)
	id := r.u32()
	require.Equal(t, uint32(0), r.u32())

	sessHandle, nonceEven = openOIAP(t, e)
	incParams := newWriter().u32(id).bytes()
	nonceOdd = randomDigest(t)
	auth = requestAuth(e.ownerAuth, nonceEven, nonceOdd, OrdIncrementCounter, incParams, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdIncrementCounter, incParams, trailer))
	hdr, body, _ = parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	incR := newReader(body)
	require.Equal(t, id, incR.u32())
	require.Equal(t, uint32(1), incR.u32())

	sessHandle, nonceEven = openOIAP(t, e)
	nonceOdd = randomDigest(t)
	auth = requestAuth(e.ownerAuth, nonceEven, nonceOdd, OrdIncrementCounter, incParams, false)
	trailer = wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp = e.Execute(buildCommand(wire.TagRequestAuth1, OrdIncrementCounter, incParams, trailer))
	hdr, _, _ = parseResponse(t, resp)
	require.Equal(t, wire.Retry, hdr.ReturnCode)
}

func TestDeepQuoteRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	srk, err := e.keys.TakeOwnership(2048, tpmcrypto.Digest{})
	require.NoError(t, err)

	outer := tpmcrypto.SHA1([]byte("hypervisor-measurement"))
	inner := tpmcrypto.SHA1([]byte("guest-measurement"))
	_, err = e.pcrs.Extend(17, outer)
	require.NoError(t, err)
	_, err = e.pcrs.Extend(0, inner)
	require.NoError(t, err)

	var outerSel, innerSel wire.PCRSelection
	outerSel.Set(17)
	innerSel.Set(0)
	antiReplay := randomDigest(t)

	sessHandle, nonceEven := openOIAP(t, e)
	params := newWriter().u32(keystore.HandleSRK).raw(antiReplay[:]).
		blob32(outerSel.Select[:]).blob32(innerSel.Select[:]).blob32(nil).bytes()
	nonceOdd := randomDigest(t)
	auth := requestAuth(srk.UsageAuth, nonceEven, nonceOdd, OrdDeepQuote, params, false)
	trailer := wire.AuthTrailer{SessionHandle: sessHandle, NonceOdd: nonceOdd, Auth: auth}
	resp := e.Execute(buildCommand(wire.TagRequestAuth1, OrdDeepQuote, params, trailer))
	hdr, body, _ := parseResponse(t, resp)
	require.Equal(t, wire.Success, hdr.ReturnCode)
	binBytes := newReader(body).blob32()

	bin, err := quote.ParseDeepQuoteBin(binBytes)
	require.NoError(t, err)
	require.Equal(t, outerSel, bin.PhysicalSelection)
	require.Equal(t, innerSel, bin.VTPMSelection)

	reparsed, err := quote.ParseDeepQuoteBin(bin.Marshal())
	require.NoError(t, err)
	require.Equal(t, bin, reparsed)

	require.NoError(t, quote.ValidateDeepQuoteInfo(bin, antiReplay, srk.Public))
}
