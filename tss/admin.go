package tss

import (
	"crypto/rsa"
	"fmt"

	"tpmd/internal/tpmcrypto"
)

// Startup TPM_STARTUP_TYPE values.
const (
	StartupClear       uint16 = 0x0001
	StartupState       uint16 = 0x0002
	StartupDeactivated uint16 = 0x0003
)

// Startup resets the daemon's volatile state.
func Startup(c *Client, startupType uint16) error {
	_, _, err := c.command(tagFor(0), ordStartup, newWriter().u16(startupType).bytes(), nil)
	return err
}

// SelfTestFull runs the (trivial) full self-test.
func SelfTestFull(c *Client) error {
	_, _, err := c.command(tagFor(0), ordSelfTestFull, nil, nil)
	return err
}

// GetTestResult returns the self-test result report.
func GetTestResult(c *Client) ([]byte, error) {
	resp, _, err := c.command(tagFor(0), ordGetTestResult, nil, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	result := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse GetTestResult response: %w", r.err)
	}
	return result, nil
}

// Capability areas this daemon answers.
const (
	CapPCRNum   uint32 = 0x00000101
	CapOwnerSet uint32 = 0x00000111
)

// GetCapability queries one of the daemon's supported capability areas.
func GetCapability(c *Client, capArea uint32, subCap []byte) ([]byte, error) {
	params := newWriter().u32(capArea).blob32(subCap).bytes()
	resp, _, err := c.command(tagFor(0), ordGetCapability, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	out := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse GetCapability response: %w", r.err)
	}
	return out, nil
}

// ResetLockValue clears the lockout state under owner authorization.
func ResetLockValue(c *Client, sess *Session, ownerAuth tpmcrypto.Digest, continueAuth bool) error {
	_, err := c.callAuth1(sess, ordResetLockValue, nil, ownerAuth, continueAuth)
	return err
}

// CreateEndorsementKeyPair installs the daemon's Endorsement Key and
// returns its public half, parsed into an *rsa.PublicKey ready to wrap
// the owner/SRK auth values TakeOwnership needs.
func CreateEndorsementKeyPair(c *Client, bits uint32) (*rsa.PublicKey, error) {
	params := newWriter().u32(bits).bytes()
	resp, _, err := c.command(tagFor(0), ordCreateEndorsementKeyPair, params, nil)
	if err != nil {
		return nil, err
	}
	r := newReader(resp)
	pubDER := r.blob32()
	if r.err != nil {
		return nil, fmt.Errorf("tss: parse CreateEndorsementKeyPair response: %w", r.err)
	}
	return tpmcrypto.ParsePublicKey(pubDER)
}

// TakeOwnership installs ownerAuth and srkAuth under the Endorsement
// Key, OAEP-wrapping both under ekPub the same way the reference
// protocol's TPM_TakeOwnership does. sess must be an OIAP session; its
// auth is verified against the owner auth value being installed, not
// against any pre-existing owner secret, since none exists yet.
func TakeOwnership(c *Client, sess *Session, ekPub *rsa.PublicKey, ownerAuth, srkAuth tpmcrypto.Digest, srkBits uint32) error {
	encOwnerAuth, err := tpmcrypto.WrapWithTCPALabel(ekPub, ownerAuth[:])
	if err != nil {
		return fmt.Errorf("tss: wrapping owner auth: %w", err)
	}
	encSrkAuth, err := tpmcrypto.WrapWithTCPALabel(ekPub, srkAuth[:])
	if err != nil {
		return fmt.Errorf("tss: wrapping SRK auth: %w", err)
	}
	params := newWriter().blob32(encOwnerAuth).blob32(encSrkAuth).u32(srkBits).bytes()
	_, err = c.callAuth1(sess, ordTakeOwnership, params, ownerAuth, false)
	return err
}
