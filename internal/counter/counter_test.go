package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
)

func TestCreateAndIncrementCounter(t *testing.T) {
	b := NewBank(4, 5*time.Second)
	c, err := b.CreateCounter([4]byte{'L', 'B', 'L', '1'}, tpmcrypto.Digest{})
	require.NoError(t, err)

	clock := time.Now()
	b.now = func() time.Time { return clock }

	v, err := b.Increment(c.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), v)
}

func TestIncrementTooSoonReturnsRetry(t *testing.T) {
	b := NewBank(4, 5*time.Second)
	c, err := b.CreateCounter([4]byte{}, tpmcrypto.Digest{})
	require.NoError(t, err)

	clock := time.Now()
	b.now = func() time.Time { return clock }

	_, err = b.Increment(c.ID)
	require.NoError(t, err)
	_, err = b.Increment(c.ID)
	require.ErrorIs(t, err, ErrTooSoon)

	clock = clock.Add(6 * time.Second)
	_, err = b.Increment(c.ID)
	require.NoError(t, err)
}

func TestMaxCountersEnforced(t *testing.T) {
	b := NewBank(1, time.Second)
	_, err := b.CreateCounter([4]byte{}, tpmcrypto.Digest{})
	require.NoError(t, err)
	_, err = b.CreateCounter([4]byte{}, tpmcrypto.Digest{})
	require.ErrorIs(t, err, ErrMaxCounters)
}

func TestReleaseFreesSlot(t *testing.T) {
	b := NewBank(1, time.Second)
	c, err := b.CreateCounter([4]byte{}, tpmcrypto.Digest{})
	require.NoError(t, err)
	require.NoError(t, b.Release(c.ID))
	_, err = b.CreateCounter([4]byte{}, tpmcrypto.Digest{})
	require.NoError(t, err)
}

func TestCurrentTicksAdvances(t *testing.T) {
	b := NewBank(4, time.Second)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	b.ResetTickSession()

	t1 := b.CurrentTicks()
	clock = clock.Add(500 * time.Millisecond)
	t2 := b.CurrentTicks()
	require.Greater(t, t2.SessionTicks, t1.SessionTicks)
}

func TestAuditChainDiffersByOrdinalAndInputs(t *testing.T) {
	b := NewBank(4, time.Second)
	d1 := b.ExtendAudit(0x0000000A, 0, []byte("in1"), []byte("out1"))
	d2 := b.ExtendAudit(0x0000000B, 0, []byte("in2"), []byte("out2"))
	require.NotEqual(t, d1, d2)
	require.Equal(t, d2, b.AuditDigest())
}

func TestResetAuditClearsDigest(t *testing.T) {
	b := NewBank(4, time.Second)
	b.ExtendAudit(1, 0, []byte("a"), []byte("b"))
	require.NotEqual(t, tpmcrypto.Digest{}, b.AuditDigest())
	b.ResetAudit()
	require.Equal(t, tpmcrypto.Digest{}, b.AuditDigest())
}

func TestSetAuditedTogglesFlag(t *testing.T) {
	b := NewBank(4, time.Second)
	require.False(t, b.IsAudited(5))
	b.SetAudited(5, true)
	require.True(t, b.IsAudited(5))
	b.SetAudited(5, false)
	require.False(t, b.IsAudited(5))
}

func TestGetAuditDigestSignedVerifies(t *testing.T) {
	b := NewBank(4, time.Second)
	b.ExtendAudit(1, 0, []byte("a"), []byte("b"))

	key, err := tpmcrypto.GenerateRSAKey(1024)
	require.NoError(t, err)
	nonce, err := tpmcrypto.GenerateNonce()
	require.NoError(t, err)

	signed, err := b.GetAuditDigestSigned(nonce, key)
	require.NoError(t, err)

	toVerify := tpmcrypto.SHA1(signed.AuditDigest[:], signed.ExternalData[:])
	require.NoError(t, tpmcrypto.VerifyPKCS1v15SHA1(&key.PublicKey, toVerify, signed.Signature))
}
