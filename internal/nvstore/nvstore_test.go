package nvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/pcrengine"
	"tpmd/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefineAndWriteRead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Define(ctx, Index{Index: 1, Size: 16, Permissions: PerOwnerWrite | PerOwnerRead}))

	require.NoError(t, s.Write(ctx, 1, 0, []byte("hello"), true, false, false, nil, 0))
	got, err := s.Read(ctx, 1, 0, 5, true, false, false, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestDefineDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 2, Size: 8, Permissions: PerOwnerWrite}))
	err := s.Define(ctx, Index{Index: 2, Size: 8, Permissions: PerOwnerWrite})
	require.ErrorIs(t, err, ErrIndexExists)
}

func TestWriteDeniedWithoutPermission(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 3, Size: 8, Permissions: PerOwnerWrite}))
	err := s.Write(ctx, 3, 0, []byte("x"), false, false, false, nil, 0)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestWriteOutOfRangeFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 4, Size: 4, Permissions: PerOwnerWrite}))
	err := s.Write(ctx, 4, 0, []byte("toolong!"), true, false, false, nil, 0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestWriteDefineLocksAfterFirstWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 5, Size: 8, Permissions: PerOwnerWrite | PerWriteDefine}))
	require.NoError(t, s.Write(ctx, 5, 0, []byte("once"), true, false, false, nil, 0))
	err := s.Write(ctx, 5, 0, []byte("again"), true, false, false, nil, 0)
	require.ErrorIs(t, err, ErrAreaLocked)
}

func TestGlobalLockBlocksMarkedIndices(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 6, Size: 8, Permissions: PerOwnerWrite | PerGlobalLock}))
	s.WriteGlobalLock()
	err := s.Write(ctx, 6, 0, []byte("x"), true, false, false, nil, 0)
	require.ErrorIs(t, err, ErrAreaLocked)

	s.ClearSTClearState()
	require.NoError(t, s.Write(ctx, 6, 0, []byte("x"), true, false, false, nil, 0))
}

func TestPCRGatedReadRequiresMatchingComposite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	bank := pcrengine.NewBank(nil)
	var sel wire.PCRSelection
	sel.Set(0)
	digest := bank.Composite(sel)
	info := wire.PCRInfo{Variant: wire.PCRInfoShort, ReleaseSelection: sel, DigestAtRelease: digest}

	idx := Index{Index: 7, Size: 8, Permissions: PerOwnerWrite | PerOwnerRead, PCRInfoRead: &info}
	require.NoError(t, s.Define(ctx, idx))
	require.NoError(t, s.Write(ctx, 7, 0, []byte("secret"), true, false, false, nil, 0))

	_, err := s.Read(ctx, 7, 0, 6, true, false, false, bank, 0)
	require.NoError(t, err)

	_, _ = bank.Extend(0, [20]byte{1})
	_, err = s.Read(ctx, 7, 0, 6, true, false, false, bank, 0)
	require.ErrorIs(t, err, ErrPCRMismatch)
}

func TestUndefineRemovesIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Define(ctx, Index{Index: 8, Size: 4, Permissions: PerOwnerWrite}))
	require.NoError(t, s.Undefine(ctx, 8))
	err := s.Undefine(ctx, 8)
	require.ErrorIs(t, err, ErrIndexNotFound)
}
