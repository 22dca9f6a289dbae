// Package engine is the TPM 1.2 command dispatcher: the single
// encapsulated owner of every subsystem (keys, sessions, PCRs, NV storage,
// counters, delegation, lockout) and the sole point at which any of that
// state mutates. Exactly one command executes at a time — Execute takes the
// engine's mutex for its full duration — mirroring the single-threaded
// cooperative state machine the reference daemon uses for its own request
// loop rather than fine-grained per-subsystem locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tpmd/internal/config"
	"tpmd/internal/counter"
	"tpmd/internal/delegation"
	"tpmd/internal/keystore"
	"tpmd/internal/lockout"
	"tpmd/internal/logging"
	"tpmd/internal/nvstore"
	"tpmd/internal/pcrengine"
	"tpmd/internal/persist"
	"tpmd/internal/session"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// ErrShortParams is returned by the local reader when a command's
// parameter area ends before a handler finishes decoding it.
var ErrShortParams = errors.New("engine: command parameter area too short")

// lockoutKeyOwner is the fixed lockout-limiter key for owner-class
// authorization failures; the TPM 1.2 lockout policy has exactly one
// owner, so this is a constant rather than derived from a handle.
const lockoutKeyOwner = "owner"

func lockoutKeyForKey(handle uint32) string {
	return fmt.Sprintf("key:%08x", handle)
}

// ordinalHandler executes one dispatched ordinal against the engine's
// state. params is the command's parameter area with any auth trailers
// already stripped; trailers holds them in wire order. A handler that
// needs authorization resolves the relevant entity auth itself (owner
// auth, a loaded key's usage auth, an NV index's auth, or a delegation
// row's row auth) and calls the shared verifyAuth/finishAuth helpers in
// auth.go, since no single generic check applies across every ordinal.
type ordinalHandler func(e *Engine, ordinal uint32, params []byte, trailers []wire.AuthTrailer) (respParams []byte, outTrailers []wire.AuthTrailer, rc wire.ReturnCode)

// Engine wires together every subsystem package into the one ordinal
// dispatcher. Nothing outside Execute (and the constructor, before the
// daemon starts serving) may touch the fields below.
type Engine struct {
	mu sync.Mutex

	cfg *config.Config
	log *logging.Logger

	keys        *keystore.Store
	sessions    *session.Manager
	pcrs        *pcrengine.Bank
	nvram       *nvstore.Store
	counters    *counter.Bank
	delegations *delegation.Tables
	limiter     *lockout.Limiter

	masterSecret []byte

	ownerSet  bool
	ownerAuth tpmcrypto.Digest

	physicalPresence bool
	locality         uint8

	migrationAuthorities map[uint32]keystore.MigrationAuthority
	nextMigrationHandle  uint32

	handlers map[uint32]ordinalHandler
}

// Options bundles the already-constructed subsystem instances an Engine
// wires together; main builds these from config at startup, and tests
// build smaller stand-ins directly.
type Options struct {
	Config       *config.Config
	Logger       *logging.Logger
	Keys         *keystore.Store
	Sessions     *session.Manager
	PCRs         *pcrengine.Bank
	NVRAM        *nvstore.Store
	Counters     *counter.Bank
	Delegations  *delegation.Tables
	Limiter      *lockout.Limiter
	MasterSecret []byte
}

// New assembles an Engine from already-constructed subsystems and builds
// its ordinal dispatch table once, up front — the table itself never
// changes after construction, only the state the handlers act on.
func New(opts Options) *Engine {
	e := &Engine{
		cfg:          opts.Config,
		log:          opts.Logger,
		keys:         opts.Keys,
		sessions:     opts.Sessions,
		pcrs:         opts.PCRs,
		nvram:        opts.NVRAM,
		counters:     opts.Counters,
		delegations:  opts.Delegations,
		limiter:      opts.Limiter,
		masterSecret: opts.MasterSecret,

		migrationAuthorities: make(map[uint32]keystore.MigrationAuthority),
		nextMigrationHandle:  0x00010000,
	}
	e.handlers = buildDispatchTable()
	return e
}

// SetLocality records the transport-inferred locality (0-4) the next
// command executes at, used by PCR reset policy and NV PCR-release gating.
func (e *Engine) SetLocality(locality uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locality = locality
}

// SetPhysicalPresence records whether the caller has asserted physical
// presence (a transport- or control-socket-level fact, not something any
// ordinal itself can forge) ahead of dispatching a command that may depend
// on it.
func (e *Engine) SetPhysicalPresence(asserted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.physicalPresence = asserted
}

// SetLockoutThreshold updates the consecutive-auth-failure threshold the
// lockout limiter enforces, for a live config reload without restarting
// the engine or discarding existing failure records.
func (e *Engine) SetLockoutThreshold(threshold int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiter.SetThreshold(threshold)
}

// Execute is the engine's sole mutation entry point: it decodes the
// command header, resolves and runs the matching ordinal handler under
// the engine's lock, and re-encodes the response. Every error path still
// returns a well-formed TPM response rather than an empty buffer or a Go
// error, since a daemon peer expects a TPM wire response for every
// command it sends.
func (e *Engine) Execute(raw []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	hdr, err := wire.ReadCommandHeader(raw)
	if err != nil {
		return errorResponse(wire.TagResponseCommand, wire.BadParameter)
	}
	respTag, err := wire.ResponseTagFor(hdr.Tag)
	if err != nil {
		return errorResponse(wire.TagResponseCommand, wire.BadTag)
	}
	if hdr.ParamSize != uint32(len(raw)) {
		return errorResponse(respTag, wire.BadParamSize)
	}
	if e.cfg != nil && hdr.ParamSize > e.cfg.MaxCommandSize {
		return errorResponse(respTag, wire.Size)
	}

	handler, ok := e.handlers[hdr.Ordinal]
	if !ok {
		return errorResponse(respTag, wire.BadOrdinal)
	}
	expectedSessions, ok := tagFamily[hdr.Ordinal]
	if !ok || hdr.Tag.NumAuthSessions() != expectedSessions {
		return errorResponse(respTag, wire.BadTag)
	}

	body := raw[wire.HeaderSize:]
	trailers, paramEnd, err := wire.ReadAuthTrailers(body, expectedSessions)
	if err != nil {
		return errorResponse(respTag, wire.BadParamSize)
	}
	params := body[:paramEnd]

	respParams, outTrailers, rc := handler(e, hdr.Ordinal, params, trailers)
	if e.counters != nil && e.counters.IsAudited(hdr.Ordinal) {
		e.counters.ExtendAudit(hdr.Ordinal, uint32(rc), params, respParams)
	}
	return buildResponse(respTag, rc, respParams, outTrailers)
}

func errorResponse(tag wire.Tag, rc wire.ReturnCode) []byte {
	return buildResponse(tag, rc, nil, nil)
}

func buildResponse(tag wire.Tag, rc wire.ReturnCode, params []byte, trailers []wire.AuthTrailer) []byte {
	size := wire.HeaderSize + len(params)
	for range trailers {
		size += wire.AuthTrailerSize
	}
	hdr := wire.ResponseHeader{Tag: tag, ParamSize: uint32(size), ReturnCode: rc}
	buf := make([]byte, 0, size)
	buf = append(buf, hdr.Marshal()...)
	buf = append(buf, params...)
	for _, t := range trailers {
		buf = append(buf, t.Marshal()...)
	}
	return buf
}

// Checkpoint persists the engine's durable state (the permanent blob:
// ownership state, SRK/EK; the savestate blob: PCR values; the loaded-key
// table is volatile and excluded) via internal/persist. The daemon calls
// this on a timer, on a control-socket checkpoint request, and at
// shutdown, not on every command.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked(ctx)
}

// Restore loads the permanent-state blob at startup, before the daemon
// begins accepting connections.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restoreLocked(ctx)
}

// EngineStatus is a plain-Go snapshot of engine state, independent of any
// particular transport's reporting shape.
type EngineStatus struct {
	OwnerSet     bool
	ActiveKeys   int
	ActiveAuth   int
	LockedOut    bool
	Locality     uint8
	PhysicalPres bool
}

// Status snapshots the engine's operational state for the control socket
// to report; it takes the same lock Execute does, so a status read never
// observes a command mid-dispatch.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStatus{
		OwnerSet:     e.ownerSet,
		ActiveKeys:   e.keys.Len(),
		ActiveAuth:   e.sessions.Len(),
		LockedOut:    e.limiter.IsLocked(lockoutKeyOwner),
		Locality:     e.locality,
		PhysicalPres: e.physicalPresence,
	}
}
