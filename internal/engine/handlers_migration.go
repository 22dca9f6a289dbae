package engine

import (
	"tpmd/internal/keystore"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleAuthorizeMigrationKey registers a migration authority's public
// key under owner authorization, returning a handle CreateMigrationBlob
// and the CMK ticket flow reference for the rest of this session's
// lifetime (authorities do not survive a restart — a real TPM persists
// them in the permanent blob alongside ownership state, deferred here
// since no migration has been initiated before one is authorized within
// the same run).
func handleAuthorizeMigrationKey(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	scheme := r.u16()
	migPubKeyDER := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	authority, err := keystore.AuthorizeMigrationKey(scheme, migPubKeyDER)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.BadScheme, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.BadScheme
	}

	handle := e.nextMigrationHandle
	e.nextMigrationHandle++
	e.migrationAuthorities[handle] = authority
	maDigest := tpmcrypto.SHA1(migPubKeyDER)

	resp := newWriter().u32(handle).raw(maDigest[:]).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCreateMigrationBlob re-wraps a loaded, migratable key's private
// payload for an already-authorized migration authority, under that
// key's own usage authorization (this engine has no separate migration
// auth class on a loaded key, so usage auth doubles as migration auth).
func handleCreateMigrationBlob(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	migrationHandle := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	authority, ok := e.migrationAuthorities[migrationHandle]
	if !ok {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}

	blob, err := e.keys.CreateMigrationBlob(keyHandle, authority)
	if err != nil {
		failRC := wire.Fail
		if err == keystore.ErrNotMigratable {
			failRC = wire.NotResetable
		}
		out := e.finishAuth(sess, ordinal, failRC, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, failRC
	}

	resp := newWriter().blob32(blob).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleConvertMigrationBlob runs on the destination TPM: it unwraps a
// migrated blob under a loaded key standing in for the migration
// authority's own private half, and re-wraps it for loading under a
// local parent.
func handleConvertMigrationBlob(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	migrationKeyHandle := r.u32()
	migratedBlob := r.blob32()
	newParentHandle := r.u32()
	pubKeyDER := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(migrationKeyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(migrationKeyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	key12, err := e.keys.ConvertMigrationBlob(ent.Private, migratedBlob, newParentHandle, pubKeyDER)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.MigrateFail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.MigrateFail
	}

	resp := key12.Marshal()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCMKApproveMA computes the owner's HMAC approval of a migration
// authority's public key digest, the first step of the CMK ticket chain.
func handleCMKApproveMA(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	var maDigest tpmcrypto.Digest
	copy(maDigest[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	approval := keystore.CMKApproveMA(e.ownerAuth, maDigest)
	resp := newWriter().raw(approval[:]).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCMKCreateTicket validates an owner MA approval and issues a
// migration ticket binding the authority to a specific destination
// public key digest, under owner authorization.
func handleCMKCreateTicket(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	var maDigest, maApproval, migratedPubDigest tpmcrypto.Digest
	copy(maDigest[:], r.bytes(tpmcrypto.DigestSize))
	copy(maApproval[:], r.bytes(tpmcrypto.DigestSize))
	copy(migratedPubDigest[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	ticket, err := keystore.CMKCreateTicket(e.ownerAuth, maDigest, maApproval, migratedPubDigest)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.MigrateFail, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.MigrateFail
	}

	resp := newWriter().raw(ticket[:]).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCMKCreateKey generates a new CMK-restricted key directly under a
// registered migration authority, under owner authorization.
func handleCMKCreateKey(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	migrationHandle := r.u32()
	usage := r.u16()
	bits := r.u32()
	var usageAuth tpmcrypto.Digest
	copy(usageAuth[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	authority, ok := e.migrationAuthorities[migrationHandle]
	if !ok {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	key12, err := e.keys.CMKCreateKey(authority, usage, int(bits), usageAuth)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := key12.Marshal()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, e.ownerAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCMKCreateBlob re-wraps a CMK key's private payload for its
// destination, under the registered authority's own loaded private key
// and a ticket proving the destination key was approved.
func handleCMKCreateBlob(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	authorityKeyHandle := r.u32()
	encData := r.blob32()
	var ticket, expectedTicket tpmcrypto.Digest
	copy(ticket[:], r.bytes(tpmcrypto.DigestSize))
	copy(expectedTicket[:], r.bytes(tpmcrypto.DigestSize))
	destPublicDER := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(authorityKeyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(authorityKeyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	blob, err := keystore.CMKCreateBlob(ent.Private, encData, ticket, expectedTicket, destPublicDER)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.MigrateFail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.MigrateFail
	}

	resp := newWriter().blob32(blob).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleCMKConvertMigration runs on the destination TPM: the fifth and
// final step of the CMK ticket chain (CMK_ApproveMA, CMK_CreateKey,
// CMK_CreateTicket, CMK_CreateBlob, CMK_ConvertMigration). It unwraps a
// CMKCreateBlob payload under the loaded key standing in for the
// destination public key CMKCreateBlob targeted, and re-wraps it for
// loading under a local storage parent, preserving the CMK
// migrate-authority restriction on the converted key.
func handleCMKConvertMigration(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	migrationKeyHandle := r.u32()
	migratedBlob := r.blob32()
	newParentHandle := r.u32()
	usage := r.u16()
	pubKeyDER := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(migrationKeyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(migrationKeyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	key12, err := e.keys.CMKConvertMigration(ent.Private, migratedBlob, newParentHandle, usage, pubKeyDER)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.MigrateFail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.MigrateFail
	}

	resp := key12.Marshal()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}
