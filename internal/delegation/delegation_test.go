package delegation

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tpmd/internal/tpmcrypto"
)

func TestManageCreateThenEnable(t *testing.T) {
	tab := NewTables(4)
	f, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	require.False(t, f.Enabled())

	f2, err := tab.Manage(1, ManageEnable, 'A')
	require.NoError(t, err)
	require.True(t, f2.Enabled())
}

func TestManageCreateDuplicateFails(t *testing.T) {
	tab := NewTables(4)
	_, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	_, err = tab.Manage(1, ManageCreate, 'A')
	require.Error(t, err)
}

func TestManageAdminTogglesLock(t *testing.T) {
	tab := NewTables(4)
	f, _ := tab.Manage(1, ManageCreate, 'A')
	require.False(t, f.Locked())
	f, err := tab.Manage(1, ManageAdmin, 'A')
	require.NoError(t, err)
	require.True(t, f.Locked())
}

func TestMaxFamiliesEnforced(t *testing.T) {
	tab := NewTables(1)
	_, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	_, err = tab.Manage(2, ManageCreate, 'B')
	require.ErrorIs(t, err, ErrMaxFamilies)
}

func TestCreateOwnerDelegationRequiresFamily(t *testing.T) {
	tab := NewTables(4)
	_, err := tab.CreateOwnerDelegation(99, 0, 0, nil, tpmcrypto.Digest{}, 'A')
	require.ErrorIs(t, err, ErrFamilyNotFound)
}

func TestCreateDelegationDeniedWhenFamilyLocked(t *testing.T) {
	tab := NewTables(4)
	_, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	_, err = tab.Manage(1, ManageAdmin, 'A')
	require.NoError(t, err)

	_, err = tab.CreateOwnerDelegation(1, 0, 0, nil, tpmcrypto.Digest{}, 'A')
	require.ErrorIs(t, err, ErrFamilyLocked)
}

func TestLoadOwnerDelegationRequiresEnabledFamily(t *testing.T) {
	tab := NewTables(4)
	_, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	row, err := tab.CreateOwnerDelegation(1, 0xFF, 0, nil, tpmcrypto.Digest{7}, 'A')
	require.NoError(t, err)

	_, err = tab.LoadOwnerDelegation(row.Index)
	require.ErrorIs(t, err, ErrFamilyLocked)

	_, err = tab.Manage(1, ManageEnable, 'A')
	require.NoError(t, err)
	loaded, err := tab.LoadOwnerDelegation(row.Index)
	require.NoError(t, err)
	require.Equal(t, row.RowAuth, loaded.RowAuth)
}

func TestManageInvalidateRemovesRows(t *testing.T) {
	tab := NewTables(4)
	_, err := tab.Manage(1, ManageCreate, 'A')
	require.NoError(t, err)
	row, err := tab.CreateOwnerDelegation(1, 0, 0, nil, tpmcrypto.Digest{}, 'A')
	require.NoError(t, err)

	_, err = tab.Manage(1, ManageInvalidate, 'A')
	require.NoError(t, err)

	_, err = tab.LoadOwnerDelegation(row.Index)
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestReadTableReturnsOnlyMatchingFamily(t *testing.T) {
	tab := NewTables(4)
	_, _ = tab.Manage(1, ManageCreate, 'A')
	_, _ = tab.Manage(2, ManageCreate, 'B')
	_, err := tab.CreateOwnerDelegation(1, 0, 0, nil, tpmcrypto.Digest{}, 'A')
	require.NoError(t, err)
	_, err = tab.CreateOwnerDelegation(2, 0, 0, nil, tpmcrypto.Digest{}, 'B')
	require.NoError(t, err)

	rows, err := tab.ReadTable(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint32(1), rows[0].FamilyID)
}

func TestUpdateVerificationIncrements(t *testing.T) {
	tab := NewTables(4)
	_, _ = tab.Manage(1, ManageCreate, 'A')
	v1, err := tab.UpdateVerification(1)
	require.NoError(t, err)
	v2, err := tab.UpdateVerification(1)
	require.NoError(t, err)
	require.Equal(t, v1+1, v2)
}
