package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
)

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := CommandHeader{Tag: TagRequestAuth1, ParamSize: 42, Ordinal: 0x0000000A}
	got, err := ReadCommandHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReadCommandHeaderRejectsResponseTag(t *testing.T) {
	h := ResponseHeader{Tag: TagResponseCommand, ParamSize: 10, ReturnCode: Success}
	_, err := ReadCommandHeader(h.Marshal())
	require.ErrorIs(t, err, ErrBadTag)
}

func TestResponseTagForMatchesAuthArity(t *testing.T) {
	cases := map[Tag]Tag{
		TagRequestCommand: TagResponseCommand,
		TagRequestAuth1:   TagResponseAuth1,
		TagRequestAuth2:   TagResponseAuth2,
	}
	for req, want := range cases {
		got, err := ResponseTagFor(req)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestAuthTrailerRoundTrip(t *testing.T) {
	nonce, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)
	auth, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	a := AuthTrailer{SessionHandle: 0xdeadbeef, NonceOdd: nonce, ContinueAuth: true, Auth: auth}
	got, err := ReadAuthTrailer(a.Marshal())
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestReadAuthTrailersSplitsParamsFromTrailers(t *testing.T) {
	n1, _ := tpmcrypto.GenerateNonce()
	n2, _ := tpmcrypto.GenerateNonce()
	a1 := tpmcrypto.Digest{}
	a2 := tpmcrypto.Digest{}

	params := []byte("command parameters go here")
	buf := append([]byte{}, params...)
	buf = append(buf, AuthTrailer{SessionHandle: 1, NonceOdd: n1, Auth: a1}.Marshal()...)
	buf = append(buf, AuthTrailer{SessionHandle: 2, NonceOdd: n2, Auth: a2}.Marshal()...)

	trailers, offset, err := ReadAuthTrailers(buf, 2)
	require.NoError(t, err)
	require.Equal(t, len(params), offset)
	require.Equal(t, uint32(1), trailers[0].SessionHandle)
	require.Equal(t, uint32(2), trailers[1].SessionHandle)
}

func TestKey12RoundTrip(t *testing.T) {
	k := Key12{
		KeyUsage: KeyUsageStorage,
		KeyFlags: KeyFlagMigratable,
		AuthDataUsage: 1,
		AlgorithmParms: KeyParms{
			AlgorithmID: 1, // TPM_ALG_RSA
			EncScheme:   3, // TPM_ES_RSAESOAEP_SHA1_MGF1
			SigScheme:   1,
			Params:      RSAKeyParms{KeyLength: 2048, NumPrimes: 2, Exponent: nil}.Marshal(),
		},
		PubKey:  StorePubkey{Key: make([]byte, 256)},
		EncData: []byte("wrapped-asymkey-blob"),
	}
	raw := k.Marshal()
	got, err := ParseKey12(raw)
	require.NoError(t, err)
	require.Equal(t, k.KeyUsage, got.KeyUsage)
	require.Equal(t, k.KeyFlags, got.KeyFlags)
	require.True(t, got.Migratable())
	require.True(t, got.RequiresAuth())
	require.Equal(t, k.EncData, got.EncData)
	require.Equal(t, 256, len(got.PubKey.Key))
}

func TestParseKey12RejectsWrongTag(t *testing.T) {
	buf := newBuilder().u16(0x1234).u16(0).bytes()
	_, err := ParseKey12(buf)
	require.ErrorIs(t, err, ErrBadTag)
}

func TestStoreAsymkeyRoundTrip(t *testing.T) {
	s := StoreAsymkey{
		PayloadType: PayloadTypeAsymkey,
		PrivKey:     []byte("private-exponent-material"),
	}
	s.UsageAuth[0] = 0xAB
	s.PubDataDigest[1] = 0xCD

	got, err := ParseStoreAsymkey(s.Marshal())
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestPCRSelectionSetHas(t *testing.T) {
	var sel PCRSelection
	sel.Set(0)
	sel.Set(17)
	require.True(t, sel.Has(0))
	require.True(t, sel.Has(17))
	require.False(t, sel.Has(1))
	require.False(t, sel.Has(23))
}

func TestPCRInfoLongRoundTrip(t *testing.T) {
	var sel PCRSelection
	sel.Set(0)
	sel.Set(4)

	p := PCRInfo{
		Variant:            PCRInfoLong,
		CreationSelection:  sel,
		ReleaseSelection:   sel,
		LocalityAtCreation: 0x01,
		LocalityAtRelease:  0x1f,
	}
	p.DigestAtRelease[0] = 0x42

	got, err := ParsePCRInfoLong(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPCRInfoShortRoundTrip(t *testing.T) {
	var sel PCRSelection
	sel.Set(9)
	p := PCRInfo{Variant: PCRInfoShort, ReleaseSelection: sel}
	p.DigestAtRelease[5] = 0x99

	got, err := ParsePCRInfoShort(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPCRCompositeInputMarshalDeterministic(t *testing.T) {
	var sel PCRSelection
	sel.Set(0)
	sel.Set(1)
	d1 := tpmcrypto.Digest{1}
	d2 := tpmcrypto.Digest{2}

	in := PCRCompositeInput{Selection: sel, Values: []tpmcrypto.Digest{d1, d2}}
	a := tpmcrypto.SHA1(in.Marshal())
	b := tpmcrypto.SHA1(in.Marshal())
	require.Equal(t, a, b)

	in2 := PCRCompositeInput{Selection: sel, Values: []tpmcrypto.Digest{d2, d1}}
	c := tpmcrypto.SHA1(in2.Marshal())
	require.NotEqual(t, a, c)
}
