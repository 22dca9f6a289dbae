package engine

import (
	"tpmd/internal/delegation"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleDelegateManage dispatches a family-table management opcode
// (create/invalidate/enable/admin-lock) under owner authorization.
func handleDelegateManage(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	familyID := r.u32()
	opcode := r.u32()
	label := r.u8()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	family, err := e.delegations.Manage(familyID, opcode, label)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.DelegateFamily, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.DelegateFamily
	}

	resp := newWriter().u32(family.ID).u32(family.Flags).u32(family.VerificationCount).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleDelegateCreateOwnerDelegation installs a new delegation row
// authorizing owner-class operations under the given permission bitmask.
func handleDelegateCreateOwnerDelegation(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	familyID := r.u32()
	per1 := r.u32()
	per2 := r.u32()
	label := r.u8()
	var rowAuth tpmcrypto.Digest
	copy(rowAuth[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	row, err := e.delegations.CreateOwnerDelegation(familyID, per1, per2, nil, rowAuth, label)
	if err != nil {
		failRC := delegationErrToRC(err)
		out := e.finishAuth(sess, ordinal, failRC, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, failRC
	}

	resp := newWriter().u32(row.Index).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

func delegationErrToRC(err error) wire.ReturnCode {
	switch err {
	case delegation.ErrFamilyNotFound:
		return wire.DelegateFamily
	case delegation.ErrFamilyLocked:
		return wire.DelegateLock
	case delegation.ErrMaxFamilies:
		return wire.NoSpace
	default:
		return wire.Fail
	}
}

// handleDelegateLoadOwnerDelegation is a no-auth lookup that validates a
// row still belongs to an enabled, unlocked family — the DSAP session
// open (TPM_DSAP) is what actually authenticates against it, mirroring
// TPM_Delegate_LoadOwnerDelegation's role as a syntactic precheck.
func handleDelegateLoadOwnerDelegation(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	index := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	row, err := e.delegations.LoadOwnerDelegation(index)
	if err != nil {
		return nil, nil, delegationErrToRC(err)
	}
	resp := newWriter().u32(row.Index).u32(row.Per1).u32(row.Per2).bytes()
	return resp, nil, wire.Success
}

// handleDelegateReadTable lists every row in a family with no
// authorization, matching TPM_Delegate_ReadTable's no-auth tag family
// (the rows it returns carry no secret material, only permission bits).
func handleDelegateReadTable(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	familyID := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	rows, err := e.delegations.ReadTable(familyID)
	if err != nil {
		return nil, nil, delegationErrToRC(err)
	}
	w := newWriter().u32(uint32(len(rows)))
	for _, row := range rows {
		w.u32(row.Index).u32(row.Per1).u32(row.Per2)
	}
	return w.bytes(), nil, wire.Success
}

// handleDelegateUpdateVerification bumps a family's verification count,
// invalidating delegation blobs created under an earlier count.
func handleDelegateUpdateVerification(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	familyID := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	count, err := e.delegations.UpdateVerification(familyID)
	if err != nil {
		failRC := delegationErrToRC(err)
		out := e.finishAuth(sess, ordinal, failRC, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, failRC
	}

	resp := newWriter().u32(count).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}
