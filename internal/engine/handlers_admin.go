package engine

import (
	"tpmd/internal/wire"
)

// Startup types (TPM_STARTUP_TYPE).
const (
	startupClear   uint16 = 0x0001
	startupState   uint16 = 0x0002
	startupDeactivated uint16 = 0x0003
)

// handleStartup resets volatile state. Every startup type drops every
// session and restarts the tick session; ST_CLEAR also clears the audit
// digest and the NV store's transient write-lock bits. ST_STATE restores
// nothing here: the daemon loads the savestate blob once at start, via
// Engine.Restore, and sessions are not part of it.
func handleStartup(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	startupType := r.u16()
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	e.sessions.CloseAll()
	e.counters.ResetTickSession()
	if startupType == startupClear {
		e.counters.ResetAudit()
		if e.nvram != nil {
			e.nvram.ClearSTClearState()
		}
	}
	return nil, nil, wire.Success
}

// handleSelfTestFull runs (trivially, since this engine has no hardware
// self-test surface to exercise) the full self-test and always succeeds;
// kept as a distinct ordinal since callers gate other commands on it
// having completed.
func handleSelfTestFull(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	return nil, nil, wire.Success
}

func handleGetTestResult(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	return newWriter().blob32([]byte("selftest: all tests passed")).bytes(), nil, wire.Success
}

// Capability areas (TPM_CAPABILITY_AREA) this engine answers.
const (
	capPCRNum      uint32 = 0x00000101
	capOwnerSet    uint32 = 0x00000111
)

// handleGetCapability answers a small fixed set of capability queries the
// engine itself needs to be able to answer about its own configuration —
// the real command surface is far larger; unsupported areas report
// BadParameter rather than silently guessing.
func handleGetCapability(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	r := newReader(params)
	capArea := r.u32()
	_ = r.blob32() // subcap, unused by the areas handled below
	if r.err != nil {
		return nil, nil, wire.BadParameter
	}
	switch capArea {
	case capPCRNum:
		return newWriter().blob32(newWriter().u32(wire.NumPCRs).bytes()).bytes(), nil, wire.Success
	case capOwnerSet:
		owned := byte(0)
		if e.ownerSet {
			owned = 1
		}
		return newWriter().blob32([]byte{owned}).bytes(), nil, wire.Success
	default:
		return nil, nil, wire.BadParameter
	}
}

// handleResetLockValue clears the lockout state under owner auth
// (TPM_ResetLockValue), the one escape hatch from TPM_DEFEND_LOCK_RUNNING
// short of waiting out the cooldown.
func handleResetLockValue(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, wire.ReturnCode) {
	if !e.ownerSet {
		return nil, nil, wire.NoSRK
	}
	trailer := trailers[0]
	sess, rc := e.verifyAuth(ordinal, params, trailer, e.ownerAuth, lockoutKeyOwner)
	if rc != wire.Success {
		return e.authFail(sess, ordinal, rc, trailer, e.ownerAuth)
	}
	e.limiter.Reset(lockoutKeyOwner)
	out := e.finishAuth(sess, ordinal, wire.Success, nil, trailer, e.ownerAuth, trailer.ContinueAuth)
	return nil, []wire.AuthTrailer{out}, wire.Success
}
