package quote

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/pcrengine"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

func TestQuoteRoundTrip(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(1024)
	require.NoError(t, err)

	bank := pcrengine.NewBank(nil)
	_, _ = bank.Extend(0, tpmcrypto.SHA1([]byte("measurement")))

	var sel wire.PCRSelection
	sel.Set(0)

	nonce, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	info, sig, err := Quote(bank, sel, nonce, key)
	require.NoError(t, err)
	require.NoError(t, VerifyQuote(info, sig, &key.PublicKey))
}

func TestQuoteRejectsTamperedComposite(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(1024)
	require.NoError(t, err)

	bank := pcrengine.NewBank(nil)
	var sel wire.PCRSelection
	sel.Set(1)
	nonce, _ := tpmcrypto.GenerateNonce()

	info, sig, err := Quote(bank, sel, nonce, key)
	require.NoError(t, err)
	info.CompositeDigest[0] ^= 0xFF
	require.Error(t, VerifyQuote(info, sig, &key.PublicKey))
}

func TestQuote2WithVersionInfo(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(1024)
	require.NoError(t, err)
	bank := pcrengine.NewBank(nil)
	var sel wire.PCRSelection
	sel.Set(2)
	nonce, _ := tpmcrypto.GenerateNonce()

	version := &VersionInfo{Major: 1, Minor: 2, TPMVendorID: [4]byte{'T', 'P', 'M', 'D'}}
	info, sig, err := Quote2(bank, sel, 1, nonce, version, key)
	require.NoError(t, err)
	require.Equal(t, byte(1), info.Fixed)
	require.Equal(t, byte(1), info.LocalityAtRelease)

	marshaled := info.Marshal()
	require.Equal(t, []byte{0x00, 0x36}, marshaled[:2])
	require.Equal(t, []byte("QUT2"), marshaled[2:6])

	digest := tpmcrypto.SHA1(marshaled)
	require.NoError(t, tpmcrypto.VerifyPKCS1v15SHA1(&key.PublicKey, digest, sig))
}

func TestQuote2WithoutVersionInfoClearsFixedBit(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(1024)
	require.NoError(t, err)
	bank := pcrengine.NewBank(nil)
	var sel wire.PCRSelection
	nonce, _ := tpmcrypto.GenerateNonce()

	info, _, err := Quote2(bank, sel, 0, nonce, nil, key)
	require.NoError(t, err)
	require.Equal(t, byte(0), info.Fixed)
}

func TestDeepQuoteRoundTripsAndValidates(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(2048)
	require.NoError(t, err)

	outer := pcrengine.NewBank(nil)
	inner := pcrengine.NewBank(nil)
	_, _ = outer.Extend(17, tpmcrypto.SHA1([]byte("hypervisor-measurement")))
	_, _ = inner.Extend(0, tpmcrypto.SHA1([]byte("guest-measurement")))

	var outerSel, innerSel wire.PCRSelection
	outerSel.Set(17)
	innerSel.Set(0)
	nonce, _ := tpmcrypto.GenerateNonce()

	extraInfo := map[ExtraInfoFlags]tpmcrypto.Digest{
		ExtraInfoHashUUID: tpmcrypto.SHA1([]byte("instance-uuid")),
	}

	bin, err := DeepQuote(outer, inner, DeepQuoteParams{
		AntiReplay:  nonce,
		PhysicalSel: outerSel,
		VirtualSel:  innerSel,
		ExtraInfo:   extraInfo,
	}, key, key)
	require.NoError(t, err)
	require.Equal(t, ExtraInfoHashUUID, bin.Info.ExtraInfoFlags)
	require.Len(t, bin.Info.InfoHashes, 1)
	require.Len(t, bin.Info.PCRVals, 1)
	require.Len(t, bin.VTPMValues, 1)

	reparsed, err := ParseDeepQuoteBin(bin.Marshal())
	require.NoError(t, err)
	require.Equal(t, bin, reparsed)

	require.NoError(t, ValidateDeepQuoteInfo(bin, nonce, &key.PublicKey))

	tampered := bin
	tampered.Info.PCRVals = append([]tpmcrypto.Digest{}, bin.Info.PCRVals...)
	tampered.Info.PCRVals[0][0] ^= 0xFF
	require.Error(t, ValidateDeepQuoteInfo(tampered, nonce, &key.PublicKey))
}

func TestDeepQuoteWriteReadTempFile(t *testing.T) {
	key, err := tpmcrypto.GenerateRSAKey(2048)
	require.NoError(t, err)

	bank := pcrengine.NewBank(nil)
	_, _ = bank.Extend(0, tpmcrypto.SHA1([]byte("measurement")))
	var sel wire.PCRSelection
	sel.Set(0)
	nonce, _ := tpmcrypto.GenerateNonce()

	bin, err := DeepQuote(bank, bank, DeepQuoteParams{
		AntiReplay:  nonce,
		PhysicalSel: sel,
		VirtualSel:  sel,
	}, key, key)
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "deepquote-*.bin")
	require.NoError(t, err)
	_, err = f.Write(bin.Marshal())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	readBack, err := ParseDeepQuoteBin(raw)
	require.NoError(t, err)
	require.Equal(t, bin, readBack)

	require.NoError(t, ValidateDeepQuoteInfo(readBack, nonce, &key.PublicKey))
}
