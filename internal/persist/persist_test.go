package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permanent.blob")
	secret := []byte("0123456789abcdef0123456789abcdef")

	payload := []byte("srk-blob-and-lockout-state")
	require.NoError(t, Save(path, KindPermanent, secret, payload))

	got, err := Load(path, KindPermanent, secret)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadMissingFileReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nope.blob"), KindSaveState, []byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "savestate.blob")
	secret := []byte("secret-key-material-for-testing")

	require.NoError(t, Save(path, KindSaveState, secret, []byte("pcr-bank-snapshot")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = Load(path, KindSaveState, secret)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadRejectsWrongKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	secret := []byte("secret-key-material-for-testing")

	require.NoError(t, Save(path, KindVolatile, secret, []byte("session-table")))

	_, err := Load(path, KindPermanent, secret)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadRejectsWrongSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")

	require.NoError(t, Save(path, KindPermanent, []byte("secret-one-material-32-bytes!!!"), []byte("x")))

	_, err := Load(path, KindPermanent, []byte("secret-two-material-32-bytes!!!"))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	secret := []byte("secret-key-material-for-testing")

	require.NoError(t, Save(path, KindPermanent, secret, []byte("v1")))
	require.NoError(t, Save(path, KindPermanent, secret, []byte("v2")))

	got, err := Load(path, KindPermanent, secret)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestLoadOrCreateMasterSecretPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.secret")

	s1, err := LoadOrCreateMasterSecret(path)
	require.NoError(t, err)
	require.Len(t, s1, masterSecretSize)

	s2, err := LoadOrCreateMasterSecret(path)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestKindStringDistinctValues(t *testing.T) {
	require.NotEqual(t, KindPermanent.String(), KindSaveState.String())
	require.NotEqual(t, KindSaveState.String(), KindVolatile.String())
}
