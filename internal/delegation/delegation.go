// Package delegation implements the TPM delegation tables: families that
// group delegated-authority rows, and the rows themselves, each carrying
// a permission bitmask, an optional PCR release predicate, and its own
// row auth value used to open a DSAP session against that delegated
// authority instead of the real owner/entity auth.
package delegation

import (
	"errors"
	"sync"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

var (
	ErrFamilyNotFound = errors.New("delegation: family not found")
	ErrRowNotFound    = errors.New("delegation: row not found")
	ErrFamilyLocked   = errors.New("delegation: family is locked")
	ErrMaxFamilies    = errors.New("delegation: maximum delegation families reached")
)

// Family flag bits.
const (
	FamilyEnabled uint32 = 1 << 0
	FamilyLocked  uint32 = 1 << 1
)

// Manage opcodes for TPM_Delegate_Manage.
const (
	ManageCreate     uint32 = 0x00000001
	ManageInvalidate uint32 = 0x00000002
	ManageEnable     uint32 = 0x00000003
	ManageAdmin      uint32 = 0x00000004
)

// Family is one TPM_FAMILY_TABLE_ENTRY: a label, id, flags, and a
// verification counter bumped on every UpdateVerification call so a
// stale delegation blob created under an earlier verification count can
// be detected and rejected.
type Family struct {
	ID                uint32
	Label             byte
	Flags             uint32
	VerificationCount uint32
}

func (f Family) Enabled() bool { return f.Flags&FamilyEnabled != 0 }
func (f Family) Locked() bool  { return f.Flags&FamilyLocked != 0 }

// Row is one TPM_DELEGATE_PUBLIC + its row auth: the permission bitmask
// (Per1/Per2 split mirrors the real structure's two 32-bit permission
// words for owner vs. key delegation), an optional PCR release
// predicate, and the row's own auth secret.
type Row struct {
	Index      uint32
	FamilyID   uint32
	Per1, Per2 uint32
	PCRInfo    *wire.PCRInfo
	Label      byte
	RowAuth    tpmcrypto.Digest
}

// Tables owns the family and row tables.
type Tables struct {
	mu          sync.Mutex
	families    map[uint32]*Family
	rows        map[uint32]*Row
	maxFamilies int
	nextFamily  uint32
	nextRow     uint32
}

func NewTables(maxFamilies int) *Tables {
	return &Tables{
		families:    make(map[uint32]*Family),
		rows:        make(map[uint32]*Row),
		maxFamilies: maxFamilies,
	}
}

// Manage dispatches a TPM_Delegate_Manage opcode against familyID,
// creating it first if opcode is ManageCreate and it does not yet exist.
func (t *Tables) Manage(familyID uint32, opcode uint32, label byte) (*Family, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch opcode {
	case ManageCreate:
		if _, exists := t.families[familyID]; exists {
			return nil, errors.New("delegation: family already exists")
		}
		if len(t.families) >= t.maxFamilies {
			return nil, ErrMaxFamilies
		}
		f := &Family{ID: familyID, Label: label, Flags: 0}
		t.families[familyID] = f
		return f, nil
	case ManageInvalidate:
		f, ok := t.families[familyID]
		if !ok {
			return nil, ErrFamilyNotFound
		}
		delete(t.families, familyID)
		for k, r := range t.rows {
			if r.FamilyID == familyID {
				delete(t.rows, k)
			}
		}
		return f, nil
	case ManageEnable:
		f, ok := t.families[familyID]
		if !ok {
			return nil, ErrFamilyNotFound
		}
		f.Flags |= FamilyEnabled
		return f, nil
	case ManageAdmin:
		f, ok := t.families[familyID]
		if !ok {
			return nil, ErrFamilyNotFound
		}
		f.Flags ^= FamilyLocked
		return f, nil
	default:
		return nil, errors.New("delegation: unknown manage opcode")
	}
}

// CreateOwnerDelegation installs a new delegation row authorizing
// owner-class operations (not a specific key) under the given
// permissions and optional PCR gate.
func (t *Tables) CreateOwnerDelegation(familyID uint32, per1, per2 uint32, pcrInfo *wire.PCRInfo, rowAuth tpmcrypto.Digest, label byte) (*Row, error) {
	return t.createRow(familyID, per1, per2, pcrInfo, rowAuth, label)
}

// CreateKeyDelegation installs a row exactly as CreateOwnerDelegation
// does. It takes and records no key handle, so the row is not tied to
// any particular key.
func (t *Tables) CreateKeyDelegation(familyID uint32, per1, per2 uint32, pcrInfo *wire.PCRInfo, rowAuth tpmcrypto.Digest, label byte) (*Row, error) {
	return t.createRow(familyID, per1, per2, pcrInfo, rowAuth, label)
}

func (t *Tables) createRow(familyID uint32, per1, per2 uint32, pcrInfo *wire.PCRInfo, rowAuth tpmcrypto.Digest, label byte) (*Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.families[familyID]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	if f.Locked() {
		return nil, ErrFamilyLocked
	}
	r := &Row{
		Index:    t.nextRow,
		FamilyID: familyID,
		Per1:     per1,
		Per2:     per2,
		PCRInfo:  pcrInfo,
		RowAuth:  rowAuth,
		Label:    label,
	}
	t.rows[r.Index] = r
	t.nextRow++
	return r, nil
}

// LoadOwnerDelegation returns the row at index for use as a DSAP
// authority, checking the family is still enabled and unlocked.
func (t *Tables) LoadOwnerDelegation(index uint32) (*Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[index]
	if !ok {
		return nil, ErrRowNotFound
	}
	f, ok := t.families[r.FamilyID]
	if !ok {
		return nil, ErrFamilyNotFound
	}
	if !f.Enabled() || f.Locked() {
		return nil, ErrFamilyLocked
	}
	return r, nil
}

// ReadTable returns every row belonging to familyID, for
// TPM_Delegate_ReadTable.
func (t *Tables) ReadTable(familyID uint32) ([]*Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.families[familyID]; !ok {
		return nil, ErrFamilyNotFound
	}
	var rows []*Row
	for _, r := range t.rows {
		if r.FamilyID == familyID {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// UpdateVerification bumps a family's verification count, invalidating
// any delegation blob created under an earlier count.
func (t *Tables) UpdateVerification(familyID uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.families[familyID]
	if !ok {
		return 0, ErrFamilyNotFound
	}
	f.VerificationCount++
	return f.VerificationCount, nil
}
