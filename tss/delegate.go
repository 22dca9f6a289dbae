package tss

import (
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// DelegateRow is one row of a delegation family's table, as returned by
// DelegateLoadOwnerDelegation/DelegateReadTable.
type DelegateRow struct {
	Index uint32
	Per1  uint32
	Per2  uint32
}

// DelegateFamily is the result of a DelegateManage opcode.
type DelegateFamily struct {
	ID                uint32
	Flags             uint32
	VerificationCount uint32
}

// DelegateManage dispatches a family-table management opcode
// (create/invalidate/enable/admin-lock) under owner authorization.
func DelegateManage(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, familyID, opcode uint32, label byte, continueAuth bool) (DelegateFamily, error) {
	params := newWriter().u32(familyID).u32(opcode).u8(label).bytes()
	resp, err := c.callAuth1(sess, ordDelegateManage, params, ownerAuth, continueAuth)
	if err != nil {
		return DelegateFamily{}, err
	}
	r := newReader(resp)
	f := DelegateFamily{ID: r.u32(), Flags: r.u32(), VerificationCount: r.u32()}
	if r.err != nil {
		return DelegateFamily{}, fmt.Errorf("tss: parse DelegateManage response: %w", r.err)
	}
	return f, nil
}

// DelegateCreateOwnerDelegation installs a new delegation row
// authorizing owner-class operations under the per1/per2 permission
// bitmask, protected by rowAuth.
func DelegateCreateOwnerDelegation(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, familyID, per1, per2 uint32, label byte, rowAuth tpmcrypto.Digest, continueAuth bool) (uint32, error) {
	params := newWriter().u32(familyID).u32(per1).u32(per2).u8(label).raw(rowAuth[:]).bytes()
	resp, err := c.callAuth1(sess, ordDelegateCreateOwnerDeleg, params, ownerAuth, continueAuth)
	if err != nil {
		return 0, err
	}
	r := newReader(resp)
	index := r.u32()
	if r.err != nil {
		return 0, fmt.Errorf("tss: parse DelegateCreateOwnerDelegation response: %w", r.err)
	}
	return index, nil
}

// DelegateLoadOwnerDelegation validates that index still belongs to an
// enabled, unlocked family; it carries no authorization of its own — a
// subsequent OpenDSAP(c, index, rowAuth) is what actually authenticates
// against the row.
func DelegateLoadOwnerDelegation(c *Client, index uint32) (DelegateRow, error) {
	params := newWriter().u32(index).bytes()
	resp, _, err := c.command(tagFor(0), ordDelegateLoadOwnerDeleg, params, nil)
	if err != nil {
		return DelegateRow{}, err
	}
	r := newReader(resp)
	row := DelegateRow{Index: r.u32(), Per1: r.u32(), Per2: r.u32()}
	if r.err != nil {
		return DelegateRow{}, fmt.Errorf("tss: parse DelegateLoadOwnerDelegation response: %w", r.err)
	}
	return row, nil
}

// DelegateReadTable lists every row in a family with no authorization.
func DelegateReadTable(c *Client, familyID uint32) ([]DelegateRow, error) {
	params := newWriter().u32(familyID).bytes()
	resp, _, err := c.command(tagFor(0), ordDelegateReadTable, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	count := r.u32()
	rows := make([]DelegateRow, 0, count)
	for i := uint32(0); i < count; i++ {
		rows = append(rows, DelegateRow{Index: r.u32(), Per1: r.u32(), Per2: r.u32()})
	}
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse DelegateReadTable response: %w", r.err)
	}
	return rows, nil
}

// DelegateUpdateVerification bumps a family's verification count,
// invalidating delegation blobs created under an earlier count.
func DelegateUpdateVerification(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, familyID uint32, continueAuth bool) (uint32, error) {
	params := newWriter().u32(familyID).bytes()
	resp, err := c.callAuth1(sess, ordDelegateUpdateVerification, params, ownerAuth, continueAuth)
	if err != nil {
		return 0, err
	}
	r := newReader(resp)
	count := r.u32()
	if r.err != nil {
		return 0, fmt.Errorf("tss: parse DelegateUpdateVerification response: %w", r.err)
	}
	return count, nil
}
