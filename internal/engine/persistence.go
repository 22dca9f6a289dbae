package engine

import (
	"context"
	"crypto/x509"
	"fmt"

	"tpmd/internal/persist"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// checkpointLocked serializes the permanent blob (ownership state, SRK,
// EK) and the savestate blob (PCR bank) to disk. Loaded keys, live
// sessions, and the migration authority table are volatile by design —
// they do not survive TPM_Startup(ST_CLEAR) on real hardware either, so
// there is nothing for this engine's volatile blob to carry beyond what
// a fresh process already starts with.
func (e *Engine) checkpointLocked(ctx context.Context) error {
	if e.cfg == nil {
		return fmt.Errorf("engine: checkpoint: no configuration bound")
	}

	perm := newWriter()
	ownerSetByte := byte(0)
	if e.ownerSet {
		ownerSetByte = 1
	}
	perm.u8(ownerSetByte).raw(e.ownerAuth[:])

	if ek, err := e.keys.EK(); err == nil {
		ekDER := x509.MarshalPKCS1PrivateKey(ek.Private)
		perm.u8(1).blob32(ekDER)
	} else {
		perm.u8(0)
	}

	if srk, err := e.keys.SRK(); err == nil {
		srkDER := x509.MarshalPKCS1PrivateKey(srk.Private)
		perm.u8(1).blob32(srkDER).raw(srk.UsageAuth[:])
	} else {
		perm.u8(0)
	}

	if err := persist.Save(e.cfg.PersistentStatePath, persist.KindPermanent, e.masterSecret, perm.bytes()); err != nil {
		return fmt.Errorf("engine: checkpoint permanent blob: %w", err)
	}

	save := newWriter()
	values := e.pcrs.ExportValues()
	for i := range values {
		save.raw(values[i][:])
	}
	if err := persist.Save(e.cfg.SaveStatePath, persist.KindSaveState, e.masterSecret, save.bytes()); err != nil {
		return fmt.Errorf("engine: checkpoint savestate blob: %w", err)
	}
	return nil
}

// restoreLocked loads the permanent and savestate blobs written by a
// prior checkpointLocked. A missing blob (persist.ErrNotFound) is not an
// error here — it means this is the first run, and the engine starts
// from its zero-value state exactly as New left it.
func (e *Engine) restoreLocked(ctx context.Context) error {
	if e.cfg == nil {
		return fmt.Errorf("engine: restore: no configuration bound")
	}

	perm, err := persist.Load(e.cfg.PersistentStatePath, persist.KindPermanent, e.masterSecret)
	if err != nil {
		if err == persist.ErrNotFound {
			return nil
		}
		return fmt.Errorf("engine: restore permanent blob: %w", err)
	}
	r := newReader(perm)
	e.ownerSet = r.u8() != 0
	copy(e.ownerAuth[:], r.bytes(tpmcrypto.DigestSize))

	if r.u8() != 0 {
		ekDER := r.blob32()
		ekPriv, err := x509.ParsePKCS1PrivateKey(ekDER)
		if err != nil {
			return fmt.Errorf("engine: restore EK: %w", err)
		}
		e.keys.RestoreEK(ekPriv)
	}
	if r.u8() != 0 {
		srkDER := r.blob32()
		srkPriv, err := x509.ParsePKCS1PrivateKey(srkDER)
		if err != nil {
			return fmt.Errorf("engine: restore SRK: %w", err)
		}
		var usageAuth tpmcrypto.Digest
		copy(usageAuth[:], r.bytes(tpmcrypto.DigestSize))
		e.keys.RestoreSRK(srkPriv, usageAuth)
	}
	if r.err != nil {
		return fmt.Errorf("engine: restore permanent blob: %w", r.err)
	}

	save, err := persist.Load(e.cfg.SaveStatePath, persist.KindSaveState, e.masterSecret)
	if err != nil {
		if err == persist.ErrNotFound {
			return nil
		}
		return fmt.Errorf("engine: restore savestate blob: %w", err)
	}
	sr := newReader(save)
	var values [wire.NumPCRs]tpmcrypto.Digest
	for i := range values {
		copy(values[i][:], sr.bytes(tpmcrypto.DigestSize))
	}
	if sr.err != nil {
		return fmt.Errorf("engine: restore savestate blob: %w", sr.err)
	}
	e.pcrs.RestoreValues(values)
	return nil
}
