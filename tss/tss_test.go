package tss_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tpmd/internal/counter"
	"tpmd/internal/delegation"
	"tpmd/internal/engine"
	"tpmd/internal/keystore"
	"tpmd/internal/lockout"
	"tpmd/internal/nvstore"
	"tpmd/internal/pcrengine"
	"tpmd/internal/session"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/transport"
	"tpmd/tss"
)

// startDaemon spins up a real engine behind a real TCP command socket,
// the same two pieces a production daemon wires together, so these
// tests exercise the client against the actual wire protocol rather
// than a mock.
func startDaemon(t *testing.T) *tss.Client {
	t.Helper()
	nvram, err := nvstore.Open(context.Background(), t.TempDir()+"/nvram.db")
	require.NoError(t, err)
	t.Cleanup(func() { nvram.Close() })

	e := engine.New(engine.Options{
		Keys:         keystore.NewStore(8),
		Sessions:     session.NewManager(8),
		PCRs:         pcrengine.NewBank([]int{17, 18, 19, 20}),
		NVRAM:        nvram,
		Counters:     counter.NewBank(4, time.Hour),
		Delegations:  delegation.NewTables(4),
		Limiter:      lockout.NewLimiter(lockout.DefaultPolicy()),
		MasterSecret: []byte("tss-test-master-secret-0123456789"),
	})

	srv := transport.NewCommandServer(transport.CommandServerConfig{
		Network: "tcp",
		Address: "127.0.0.1:0",
	}, e, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	c, err := tss.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func takeOwnership(t *testing.T, c *tss.Client) (ownerAuth, srkAuth tpmcrypto.Digest) {
	t.Helper()
	ekPub, err := tss.CreateEndorsementKeyPair(c, 2048)
	require.NoError(t, err)

	ownerAuth = tpmcrypto.Digest{1, 2, 3, 4}
	srkAuth = tpmcrypto.Digest{5, 6, 7, 8}

	sess, err := tss.OpenOIAP(c)
	require.NoError(t, err)
	require.NoError(t, tss.TakeOwnership(c, sess, ekPub, ownerAuth, srkAuth, 2048))
	require.True(t, sess.Closed())
	return ownerAuth, srkAuth
}

func TestTakeOwnershipAndSignRoundTrip(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, tss.Startup(c, tss.StartupClear))

	ownerAuth, _ := takeOwnership(t, c)

	srkSess, err := tss.OpenOIAP(c)
	require.NoError(t, err)
	usageAuth := tpmcrypto.Digest{9, 9, 9}
	blob, err := tss.CreateWrapKey(c, srkSess, 0x40000000 /* SRK handle */, ownerAuth, 0x0010 /* sign */, false, 2048, usageAuth, tpmcrypto.Digest{}, false)
	require.NoError(t, err)

	loadSess, err := tss.OpenOIAP(c)
	require.NoError(t, err)
	keyHandle, err := tss.LoadKey2(c, loadSess, 0x40000000, ownerAuth, blob, false)
	require.NoError(t, err)

	signSess, err := tss.OpenOIAP(c)
	require.NoError(t, err)
	sig, err := tss.Sign(c, signSess, keyHandle, usageAuth, []byte("attest this"), false)
	require.NoError(t, err)
	require.NotEmpty(t, sig)
}

func TestSessionContinuationAcrossTwoCommands(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, tss.Startup(c, tss.StartupClear))
	ownerAuth, _ := takeOwnership(t, c)

	sess, err := tss.OpenOIAP(c)
	require.NoError(t, err)

	// First command continues the session: the client must learn the
	// daemon's freshly rotated nonceEven from the response in order for
	// the second command on the same session to verify at all.
	require.NoError(t, tss.ResetLockValue(c, sess, ownerAuth, true))
	require.False(t, sess.Closed())

	require.NoError(t, tss.ResetLockValue(c, sess, ownerAuth, false))
	require.True(t, sess.Closed())
}

func TestPCRExtendAndRead(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, tss.Startup(c, tss.StartupClear))

	measurement := tpmcrypto.SHA1([]byte("measured component"))
	newValue, err := tss.Extend(c, 17, measurement)
	require.NoError(t, err)

	readBack, err := tss.PcrRead(c, 17)
	require.NoError(t, err)
	require.Equal(t, newValue, readBack)
}

func TestBadAuthReturnsTPMError(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, tss.Startup(c, tss.StartupClear))
	_, _ = takeOwnership(t, c)

	sess, err := tss.OpenOIAP(c)
	require.NoError(t, err)
	err = tss.ResetLockValue(c, sess, tpmcrypto.Digest{0xff}, false)
	require.Error(t, err)
	var tpmErr *tss.TPMError
	require.ErrorAs(t, err, &tpmErr)
}
