package engine

import (
	"context"

	"tpmd/internal/nvstore"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// handleNVDefineSpace creates or deletes an NV index (size 0 deletes an
// existing one), under owner authorization.
func handleNVDefineSpace(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	r := newReader(params)
	index := r.u32()
	size := r.u32()
	permissions := r.u32()
	var auth tpmcrypto.Digest
	copy(auth[:], r.bytes(tpmcrypto.DigestSize))
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}

	ctx := context.Background()
	var opErr error
	switch {
	case index == nvstore.GlobalLockIndex && size == 0:
		e.nvram.WriteGlobalLock()
	case size == 0:
		opErr = e.nvram.Undefine(ctx, index)
	default:
		opErr = e.nvram.Define(ctx, nvstore.Index{Index: index, Size: size, Permissions: permissions, Auth: auth})
	}
	if opErr != nil {
		failRC := wire.Fail
		switch opErr {
		case nvstore.ErrIndexExists:
			failRC = wire.BadParameter
		case nvstore.ErrIndexNotFound:
			failRC = wire.BadIndex
		}
		out := e.finishAuth(sess, ordinal, failRC, nil, trailer, e.ownerAuth, false)
		return nil, []wire.AuthTrailer{out}, failRC
	}

	out := e.finishAuth(sess, ordinal, wire.Success, nil, trailer, e.ownerAuth, trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, wire.Success
}

// handleNVWriteValue writes an NV index under the TPM_NV_PER_WRITEALL-ish
// no-auth path (area permission itself, not a session, grants access);
// handleNVWriteValueAuth additionally requires session authorization.
func handleNVWriteValue(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	index := r.u32()
	offset := r.u32()
	value := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ctx := context.Background()
	err := e.nvram.Write(ctx, index, offset, value, false, false, e.physicalPresence, e.pcrs, e.locality)
	return nil, nil, nvWriteRC(err)
}

// handleNVWriteValueAuth writes an NV index under its own per-index auth,
// verified via an OIAP/OSAP session against the index's stored Auth
// value.
func handleNVWriteValueAuth(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	index := r.u32()
	offset := r.u32()
	value := r.blob32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ctx := context.Background()
	idx, err := e.nvram.Describe(ctx, index)
	if err != nil {
		return nil, nil, wire.BadIndex
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, idx.Auth, lockoutKeyForKey(index))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, idx.Auth)
	}

	writeErr := e.nvram.Write(ctx, index, offset, value, false, true, e.physicalPresence, e.pcrs, e.locality)
	failRC := nvWriteRC(writeErr)
	out := e.finishAuth(sess, ordinal, failRC, nil, trailer, idx.Auth, failRC == wire.Success && trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, failRC
}

func nvWriteRC(err error) wire.ReturnCode {
	switch err {
	case nil:
		return wire.Success
	case nvstore.ErrIndexNotFound:
		return wire.BadIndex
	case nvstore.ErrPermissionDenied:
		return wire.NoNVPermission
	case nvstore.ErrAreaLocked:
		return wire.AreaLocked
	case nvstore.ErrPCRMismatch:
		return wire.WrongPCRVal
	case nvstore.ErrOutOfRange:
		return wire.BadDataSize
	default:
		return wire.Fail
	}
}

// handleNVReadValue reads an NV index under its area-permission no-auth
// path.
func handleNVReadValue(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	index := r.u32()
	offset := r.u32()
	length := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ctx := context.Background()
	data, err := e.nvram.Read(ctx, index, offset, length, false, false, e.physicalPresence, e.pcrs, e.locality)
	if err != nil {
		return nil, nil, nvWriteRC(err)
	}
	return newWriter().blob32(data).bytes(), nil, wire.Success
}

// handleNVReadValueAuth reads an NV index under its own per-index auth.
func handleNVReadValueAuth(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	index := r.u32()
	offset := r.u32()
	length := r.u32()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	ctx := context.Background()
	idx, err := e.nvram.Describe(ctx, index)
	if err != nil {
		return nil, nil, wire.BadIndex
	}

	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, idx.Auth, lockoutKeyForKey(index))
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, idx.Auth)
	}

	data, readErr := e.nvram.Read(ctx, index, offset, length, false, true, e.physicalPresence, e.pcrs, e.locality)
	failRC := nvWriteRC(readErr)
	var resp []byte
	if failRC == wire.Success {
		resp = newWriter().blob32(data).bytes()
	}
	out := e.finishAuth(sess, ordinal, failRC, resp, trailer, idx.Auth, failRC == wire.Success && trailer.ContinueAuth)
	return resp, []wire.AuthTrailer{out}, failRC
}
