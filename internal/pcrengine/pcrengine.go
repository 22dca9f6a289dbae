// Package pcrengine implements the platform configuration register bank:
// extend, read, reset, locality gating, and the composite digest used by
// sealed-data release and Quote. The extend chain follows the same
// SHA1(prev||next) fold idiom the daemon uses for its audit digest chain.
package pcrengine

import (
	"errors"
	"fmt"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

var (
	ErrBadPCRIndex   = errors.New("pcrengine: pcr index out of range")
	ErrLocalityDenied = errors.New("pcrengine: operation not permitted at this locality")
	ErrNotResetable  = errors.New("pcrengine: pcr is not resettable at this locality")
)

// ResetPolicy controls which localities may reset a given PCR (most
// registers are not resettable at all once extended past boot; a few —
// typically the dynamic root-of-trust registers — are resettable from
// specific localities).
type ResetPolicy struct {
	ResettableLocalities uint8 // bitmask, bit N = locality N may reset
}

// Bank holds the NumPCRs registers and their reset policies.
type Bank struct {
	values    [wire.NumPCRs]tpmcrypto.Digest
	resetPolicy [wire.NumPCRs]ResetPolicy
}

// NewBank creates a bank with all registers at their power-on value.
// spec.md distinguishes static (all-zero at boot) from dynamic (all
// 0xFF at boot) registers; the caller supplies which via
// dynamicPCRs, e.g. {17,18,19,20} using the common PC-client PCR
// assignment understood here as configuration, not a hardcoded layout.
func NewBank(dynamicPCRs []int) *Bank {
	b := &Bank{}
	dynamic := make(map[int]bool, len(dynamicPCRs))
	for _, i := range dynamicPCRs {
		dynamic[i] = true
	}
	for i := 0; i < wire.NumPCRs; i++ {
		if dynamic[i] {
			for j := range b.values[i] {
				b.values[i][j] = 0xFF
			}
		}
	}
	return b
}

// SetResetPolicy configures which localities may reset pcr.
func (b *Bank) SetResetPolicy(pcr int, policy ResetPolicy) error {
	if pcr < 0 || pcr >= wire.NumPCRs {
		return ErrBadPCRIndex
	}
	b.resetPolicy[pcr] = policy
	return nil
}

// Extend folds measurement into pcr: new = SHA1(old || measurement).
// This is the one and only way a PCR value changes short of reset; there
// is no direct-write operation, matching the trusted-measurement model.
func (b *Bank) Extend(pcr int, measurement tpmcrypto.Digest) (tpmcrypto.Digest, error) {
	if pcr < 0 || pcr >= wire.NumPCRs {
		return tpmcrypto.Digest{}, ErrBadPCRIndex
	}
	b.values[pcr] = tpmcrypto.SHA1(b.values[pcr][:], measurement[:])
	return b.values[pcr], nil
}

// Read returns the current value of pcr.
func (b *Bank) Read(pcr int) (tpmcrypto.Digest, error) {
	if pcr < 0 || pcr >= wire.NumPCRs {
		return tpmcrypto.Digest{}, ErrBadPCRIndex
	}
	return b.values[pcr], nil
}

// Reset clears pcr to all-zero if the calling locality is permitted by
// its reset policy.
func (b *Bank) Reset(pcr int, locality uint8) error {
	if pcr < 0 || pcr >= wire.NumPCRs {
		return ErrBadPCRIndex
	}
	if b.resetPolicy[pcr].ResettableLocalities&(1<<locality) == 0 {
		return fmt.Errorf("%w: pcr %d not resettable at locality %d", ErrNotResetable, pcr, locality)
	}
	b.values[pcr] = tpmcrypto.Digest{}
	return nil
}

// Composite computes the TPM_PCR_COMPOSITE digest over the registers
// named by sel, in ascending index order.
func (b *Bank) Composite(sel wire.PCRSelection) tpmcrypto.Digest {
	var values []tpmcrypto.Digest
	for i := 0; i < wire.NumPCRs; i++ {
		if sel.Has(i) {
			values = append(values, b.values[i])
		}
	}
	input := wire.PCRCompositeInput{Selection: sel, Values: values}
	return tpmcrypto.SHA1(input.Marshal())
}

// ExportValues returns a copy of every register's current value, for
// writing into the savestate blob across a restart.
func (b *Bank) ExportValues() [wire.NumPCRs]tpmcrypto.Digest {
	return b.values
}

// RestoreValues overwrites every register with values previously read
// via ExportValues.
func (b *Bank) RestoreValues(values [wire.NumPCRs]tpmcrypto.Digest) {
	b.values = values
}

// VerifyRelease reports whether the bank's current state reproduces the
// digest recorded in a PCRInfo's release policy — the gate sealed data
// and PCR-bound keys check before release/use.
func (b *Bank) VerifyRelease(info wire.PCRInfo, locality uint8) bool {
	if info.Variant == wire.PCRInfoLong {
		if info.LocalityAtRelease&(1<<locality) == 0 {
			return false
		}
	}
	got := b.Composite(info.ReleaseSelection)
	return tpmcrypto.ConstantTimeEqual(got, info.DigestAtRelease)
}
