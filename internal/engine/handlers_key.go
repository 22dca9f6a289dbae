package engine

import (
	"context"

	"tpmd/internal/keystore"
	"tpmd/internal/secmem"
	"tpmd/internal/session"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleOIAP opens a bare object-independent authorization session. It
// carries no parameters and needs no pre-existing entity, so unlike every
// other session-opening ordinal it cannot fail once the session table has
// room.
func handleOIAP(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	sess, err := e.sessions.OpenOIAP()
	if err != nil {
		return nil, nil, wire.Resources
	}
	resp := newWriter().u32(sess.Handle).raw(sess.NonceEven[:]).bytes()
	return resp, nil, wire.Success
}

// handleOSAP opens an object-specific authorization session, deriving its
// shared secret from the named entity's own auth value.
func handleOSAP(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	entityType := r.u16()
	entityHandle := r.u32()
	var nonceOddOSAP tpmcrypto.Digest
	copy(nonceOddOSAP[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	entityAuth, rc := e.entityAuthFor(session.EntityType(entityType), entityHandle)
	if rc != wire.Success {
		return nil, nil, rc
	}

	sess, err := e.sessions.OpenOSAP(session.EntityType(entityType), entityHandle, entityAuth, nonceOddOSAP)
	if err != nil {
		return nil, nil, wire.Resources
	}
	resp := newWriter().u32(sess.Handle).raw(sess.NonceEven[:]).raw(sess.NonceEvenOSAP[:]).bytes()
	return resp, nil, wire.Success
}

// handleDSAP opens a delegated-authorization session against a delegation
// table row instead of an entity's own auth value.
func handleDSAP(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	rowIndex := r.u32()
	var nonceOddOSAP tpmcrypto.Digest
	copy(nonceOddOSAP[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	row, err := e.delegations.LoadOwnerDelegation(rowIndex)
	if err != nil {
		return nil, nil, wire.BadDelegate
	}

	sess, err := e.sessions.OpenDSAP(rowIndex, row.RowAuth, nonceOddOSAP)
	if err != nil {
		return nil, nil, wire.Resources
	}
	resp := newWriter().u32(sess.Handle).raw(sess.NonceEven[:]).raw(sess.NonceEvenOSAP[:]).bytes()
	return resp, nil, wire.Success
}

// entityAuthFor resolves the auth value an OSAP session derives its
// shared secret from, for the entity classes this engine supports.
func (e *Engine) entityAuthFor(entityType session.EntityType, entityHandle uint32) (tpmcrypto.Digest, wire.ReturnCode) {
	switch entityType {
	case session.EntityOwner:
		if !e.ownerSet {
			return tpmcrypto.Digest{}, wire.NoSRK
		}
		return e.ownerAuth, wire.Success
	case session.EntityKeyhandle, session.EntitySRK:
		ent, err := e.keys.Get(entityHandle)
		if err != nil {
			return tpmcrypto.Digest{}, wire.InvalidKeyHandle
		}
		return ent.UsageAuth, wire.Success
	case session.EntityNV:
		idx, err := e.nvram.Describe(context.Background(), entityHandle)
		if err != nil {
			return tpmcrypto.Digest{}, wire.BadIndex
		}
		return idx.Auth, wire.Success
	default:
		return tpmcrypto.Digest{}, wire.WrongEntityType
	}
}

// handleTakeOwnership installs the Endorsement Key's owner: it decrypts
// the OAEP(TCPA)-wrapped owner and SRK auth values under the EK's private
// half, generates the SRK, and verifies the accompanying auth HMAC using
// the freshly-decrypted owner auth as the session secret — proving the
// caller both reached the real EK and supplied the auth it claims to be
// installing, the same property TPM_TakeOwnership's OIAP exchange
// establishes in the reference protocol.
func handleTakeOwnership(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if e.ownerSet {
		return nil, nil, wire.OwnerSet
	}
	ek, err := e.keys.EK()
	if err != nil {
		return nil, nil, wire.NoEndorsement
	}

	r := newReader(params)
	encOwnerAuth := r.blob32()
	encSrkAuth := r.blob32()
	srkBits := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ownerAuthBytes, err := tpmcrypto.UnwrapWithTCPALabel(ek.Private, encOwnerAuth)
	if err != nil {
		return nil, nil, wire.DecryptError
	}
	srkAuthBytes, err := tpmcrypto.UnwrapWithTCPALabel(ek.Private, encSrkAuth)
	if err != nil {
		return nil, nil, wire.DecryptError
	}
	var ownerAuth, srkAuth tpmcrypto.Digest
	copy(ownerAuth[:], ownerAuthBytes)
	copy(srkAuth[:], srkAuthBytes)
	secmem.Wipe(ownerAuthBytes)
	secmem.Wipe(srkAuthBytes)

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ownerAuth)
	}

	if _, err := e.keys.TakeOwnership(int(srkBits), srkAuth); err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}
	e.ownerSet = true
	e.ownerAuth = ownerAuth

	out := e.finishAuth(sess, ordinal, wire.Success, nil, trailer, ownerAuth, trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, wire.Success
}

// handleCreateEndorsementKeyPair installs the Endorsement Key. Real
// hardware TPMs perform this once at manufacture time under a vendor
// process this daemon has no equivalent for, so — as spec.md's TPM_TakeOwnership
// bootstrap notes require — it is exposed as an ordinary no-auth ordinal
// that fails once an EK already exists.
func handleCreateEndorsementKeyPair(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	bits := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ek, err := e.keys.CreateEndorsementKey(int(bits))
	if err != nil {
		return nil, nil, wire.Fail
	}
	pub := tpmcrypto.MarshalPublicKey(ek.Public)
	resp := newWriter().blob32(pub).bytes()
	return resp, nil, wire.Success
}

// handleCreateWrapKey generates and wraps a new child key under a loaded
// parent, returning the TPM_KEY12 blob for the caller to load later via
// TPM_LoadKey2.
func handleCreateWrapKey(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	parentHandle := r.u32()
	usage := r.u16()
	migratable := r.u8() != 0
	bits := r.u32()
	var usageAuth, migrationAuth tpmcrypto.Digest
	copy(usageAuth[:], r.bytes(tpmcrypto.DigestSize))
	copy(migrationAuth[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	parent, err := e.keys.Get(parentHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, parent.UsageAuth, lockoutKeyForKey(parentHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, parent.UsageAuth)
	}

	blob, err := e.keys.CreateWrapKey(parentHandle, usage, migratable, int(bits), usageAuth, migrationAuth)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, parent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := blob.Marshal()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, parent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleLoadKey2 unwraps a key blob under its parent and installs it into
// a loaded-key slot.
func handleLoadKey2(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	parentHandle := r.u32()
	blobBytes := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	blob, err := wire.ParseKey12(blobBytes)
	if err != nil {
		return nil, nil, wire.InvalidStructure
	}

	parent, err := e.keys.Get(parentHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, parent.UsageAuth, lockoutKeyForKey(parentHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, parent.UsageAuth)
	}

	handle, err := e.keys.LoadKey2(parentHandle, blob)
	if err != nil {
		var failRC wire.ReturnCode
		switch err {
		case keystore.ErrSlotsFull:
			failRC = wire.NoSpace
		case keystore.ErrWrongParent:
			failRC = wire.BadParameter
		default:
			failRC = wire.Fail
		}
		out := e.finishAuth(sess, ordinal, failRC, nil, trailer, parent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, failRC
	}

	resp := newWriter().u32(handle).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, parent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleSign computes a PKCS#1 v1.5/SHA-1 signature over a caller-supplied
// digest under a loaded signing key.
func handleSign(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	data := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}
	if ent.Private == nil {
		out := e.finishAuth(sess, ordinal, wire.KeyNotFound, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.KeyNotFound
	}

	digest := tpmcrypto.SHA1(data)
	sig, err := tpmcrypto.SignPKCS1v15SHA1(ent.Private, digest)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.Fail, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.Fail
	}

	resp := newWriter().blob32(sig).bytes()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleGetPubKey returns a loaded key's public half. Real TPM_GetPubKey
// only requires the lighter "read public info" authorization; this
// engine still checks the key's usage auth since it defines no separate
// weaker auth class of its own.
func handleGetPubKey(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}

	pub, err := e.keys.GetPubKey(keyHandle)
	if err != nil {
		out := e.finishAuth(sess, ordinal, wire.InvalidKeyHandle, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.InvalidKeyHandle
	}

	resp := pub.Marshal()
	out := e.finishAuth(sess, ordinal, wire.Success, resp, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, wire.Success
}

// handleEvictKey removes a loaded key's slot.
func handleEvictKey(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	keyHandle := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ent, err := e.keys.Get(keyHandle)
	if err != nil {
		return nil, nil, wire.InvalidKeyHandle
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, ent.UsageAuth, lockoutKeyForKey(keyHandle))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, ent.UsageAuth)
	}

	if err := e.keys.EvictKey(keyHandle); err != nil {
		out := e.finishAuth(sess, ordinal, wire.InvalidKeyHandle, nil, trailer, ent.UsageAuth, false)
		return nil, []wire.AuthTrailer{out}, wire.InvalidKeyHandle
	}

	out := e.finishAuth(sess, ordinal, wire.Success, nil, trailer, ent.UsageAuth, trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, wire.Success
}
