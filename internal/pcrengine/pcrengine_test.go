package pcrengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

func TestNewBankDynamicPCRsStartAllOnes(t *testing.T) {
	b := NewBank([]int{17, 18})
	v, err := b.Read(17)
	require.NoError(t, err)
	for _, by := range v {
		require.Equal(t, byte(0xFF), by)
	}
	v0, err := b.Read(0)
	require.NoError(t, err)
	require.Equal(t, tpmcrypto.Digest{}, v0)
}

func TestExtendChains(t *testing.T) {
	b := NewBank(nil)
	m1 := tpmcrypto.SHA1([]byte("measurement one"))
	v1, err := b.Extend(0, m1)
	require.NoError(t, err)
	require.NotEqual(t, tpmcrypto.Digest{}, v1)

	m2 := tpmcrypto.SHA1([]byte("measurement two"))
	v2, err := b.Extend(0, m2)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)

	want := tpmcrypto.SHA1(v1[:], m2[:])
	require.Equal(t, want, v2)
}

func TestExtendRejectsBadIndex(t *testing.T) {
	b := NewBank(nil)
	_, err := b.Extend(-1, tpmcrypto.Digest{})
	require.ErrorIs(t, err, ErrBadPCRIndex)
	_, err = b.Extend(wire.NumPCRs, tpmcrypto.Digest{})
	require.ErrorIs(t, err, ErrBadPCRIndex)
}

func TestResetDeniedWithoutPolicy(t *testing.T) {
	b := NewBank(nil)
	_, _ = b.Extend(5, tpmcrypto.SHA1([]byte("x")))
	err := b.Reset(5, 0)
	require.ErrorIs(t, err, ErrNotResetable)
}

func TestResetAllowedByPolicy(t *testing.T) {
	b := NewBank(nil)
	require.NoError(t, b.SetResetPolicy(17, ResetPolicy{ResettableLocalities: 1 << 3}))
	_, _ = b.Extend(17, tpmcrypto.SHA1([]byte("x")))
	require.NoError(t, b.Reset(17, 3))
	v, _ := b.Read(17)
	require.Equal(t, tpmcrypto.Digest{}, v)
}

func TestCompositeIsDeterministic(t *testing.T) {
	b := NewBank(nil)
	_, _ = b.Extend(0, tpmcrypto.SHA1([]byte("a")))
	_, _ = b.Extend(1, tpmcrypto.SHA1([]byte("b")))

	var sel wire.PCRSelection
	sel.Set(0)
	sel.Set(1)

	c1 := b.Composite(sel)
	c2 := b.Composite(sel)
	require.Equal(t, c1, c2)
}

func TestVerifyReleaseMatchesCurrentComposite(t *testing.T) {
	b := NewBank(nil)
	_, _ = b.Extend(3, tpmcrypto.SHA1([]byte("state")))

	var sel wire.PCRSelection
	sel.Set(3)

	digest := b.Composite(sel)
	info := wire.PCRInfo{Variant: wire.PCRInfoShort, ReleaseSelection: sel, DigestAtRelease: digest}
	require.True(t, b.VerifyRelease(info, 0))

	_, _ = b.Extend(3, tpmcrypto.SHA1([]byte("changed")))
	require.False(t, b.VerifyRelease(info, 0))
}

func TestVerifyReleaseLongFormChecksLocality(t *testing.T) {
	b := NewBank(nil)
	var sel wire.PCRSelection
	sel.Set(2)
	digest := b.Composite(sel)

	info := wire.PCRInfo{
		Variant:           wire.PCRInfoLong,
		ReleaseSelection:  sel,
		DigestAtRelease:   digest,
		LocalityAtRelease: 1 << 2,
	}
	require.True(t, b.VerifyRelease(info, 2))
	require.False(t, b.VerifyRelease(info, 0))
}
