// Package keystore implements the TPM key hierarchy: the Storage Root Key
// and Endorsement Key at their fixed handles, loaded child keys wrapped
// with RSA-OAEP under their parent, and the migration/CMK pipelines that
// re-wrap a key's private payload for a different TPM. The parent-child
// derivation and slot bookkeeping follow the shape of an HKDF ratchet,
// adapted to RSA wrap-under-parent since TPM 1.2 keys are asymmetric,
// not a symmetric ratchet chain.
package keystore

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// Fixed handles reserved by the TPM 1.2 handle space.
const (
	HandleSRK uint32 = 0x40000000
	HandleEK  uint32 = 0x40000006
)

var (
	ErrSlotsFull       = errors.New("keystore: no free key slots")
	ErrKeyNotFound     = errors.New("keystore: key not loaded")
	ErrParentNotFound  = errors.New("keystore: parent key not loaded")
	ErrNotMigratable   = errors.New("keystore: key is not migratable")
	ErrWrongParent     = errors.New("keystore: blob does not unwrap under this parent")
	ErrNoSRK           = errors.New("keystore: storage root key not present")
)

// Entity is one loaded key: its public half always known, its private
// half present only once successfully unwrapped under its parent.
type Entity struct {
	Handle     uint32
	Blob       wire.Key12
	Public     *rsa.PublicKey
	Private    *rsa.PrivateKey // nil until loaded/unwrapped
	UsageAuth  tpmcrypto.Digest
	ParentHandle uint32
}

// Store holds the loaded key slots (a capacity-bounded table, matching
// spec.md's resource-limited key slot model) plus the always-resident SRK
// and EK.
type Store struct {
	mu         sync.Mutex
	capacity   int
	slots      map[uint32]*Entity
	nextHandle uint32
	srk        *Entity
	ek         *Entity
}

// NewStore creates a key store with room for capacity loaded (non-fixed)
// keys in addition to the SRK and EK.
func NewStore(capacity int) *Store {
	return &Store{
		slots:      make(map[uint32]*Entity),
		capacity:   capacity,
		nextHandle: 0x00000001, // loaded-key handle space, disjoint from fixed handles
	}
}

// TakeOwnership installs the Storage Root Key, generating a fresh RSA
// keypair for it. A real install additionally receives the owner's
// encrypted auth and the EK's public half from the caller to perform the
// TPM_TakeOwnership wrap step; that wiring lives in the engine's ordinal
// handler, which calls this after unwrapping ownerAuth.
func (s *Store) TakeOwnership(bits int, usageAuth tpmcrypto.Digest) (*Entity, error) {
	priv, err := tpmcrypto.GenerateRSAKey(bits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generating SRK: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srk = &Entity{
		Handle:    HandleSRK,
		Public:    &priv.PublicKey,
		Private:   priv,
		UsageAuth: usageAuth,
	}
	return s.srk, nil
}

// SRK returns the loaded Storage Root Key, or ErrNoSRK before
// TPM_TakeOwnership.
func (s *Store) SRK() (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srk == nil {
		return nil, ErrNoSRK
	}
	return s.srk, nil
}

var ErrEKAlreadyExists = errors.New("keystore: endorsement key already exists")

// CreateEndorsementKey installs the Endorsement Key at its fixed handle.
// The real protocol allows this exactly once per TPM lifetime (a second
// call fails with ErrEKAlreadyExists); TPM_TakeOwnership's caller decrypts
// the incoming owner/SRK auths under this key's private half before
// calling TakeOwnership.
func (s *Store) CreateEndorsementKey(bits int) (*Entity, error) {
	priv, err := tpmcrypto.GenerateRSAKey(bits)
	if err != nil {
		return nil, fmt.Errorf("keystore: generating EK: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ek != nil {
		return nil, ErrEKAlreadyExists
	}
	s.ek = &Entity{
		Handle:  HandleEK,
		Public:  &priv.PublicKey,
		Private: priv,
	}
	return s.ek, nil
}

// EK returns the loaded Endorsement Key, or ErrParentNotFound before
// TPM_CreateEndorsementKeyPair.
func (s *Store) EK() (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ek == nil {
		return nil, ErrParentNotFound
	}
	return s.ek, nil
}

// RestoreSRK reinstalls a previously-persisted Storage Root Key, used by
// the engine's restore path instead of TakeOwnership generating a fresh
// one.
func (s *Store) RestoreSRK(priv *rsa.PrivateKey, usageAuth tpmcrypto.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srk = &Entity{Handle: HandleSRK, Public: &priv.PublicKey, Private: priv, UsageAuth: usageAuth}
}

// RestoreEK reinstalls a previously-persisted Endorsement Key.
func (s *Store) RestoreEK(priv *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ek = &Entity{Handle: HandleEK, Public: &priv.PublicKey, Private: priv}
}

// parentByHandle resolves SRK/EK fixed handles or a previously loaded
// key's slot handle to its Entity.
func (s *Store) parentByHandle(handle uint32) (*Entity, error) {
	switch handle {
	case HandleSRK:
		if s.srk == nil {
			return nil, ErrNoSRK
		}
		return s.srk, nil
	case HandleEK:
		if s.ek == nil {
			return nil, ErrParentNotFound
		}
		return s.ek, nil
	default:
		e, ok := s.slots[handle]
		if !ok {
			return nil, ErrParentNotFound
		}
		return e, nil
	}
}

// CreateWrapKey generates a fresh RSA keypair for a new child key, wraps
// its private payload under parentHandle, and returns the resulting
// Key12 blob the caller persists — CreateWrapKey does not load the key
// into a slot; LoadKey2 does that from the returned blob.
func (s *Store) CreateWrapKey(parentHandle uint32, usage uint16, migratable bool, bits int, usageAuth, migrationAuth tpmcrypto.Digest) (wire.Key12, error) {
	s.mu.Lock()
	parent, err := s.parentByHandle(parentHandle)
	s.mu.Unlock()
	if err != nil {
		return wire.Key12{}, err
	}

	priv, err := tpmcrypto.GenerateRSAKey(bits)
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: generating child key: %w", err)
	}

	pubBytes := tpmcrypto.MarshalPublicKey(&priv.PublicKey)
	pubDigest := tpmcrypto.SHA1(pubBytes)

	asym := wire.StoreAsymkey{
		PayloadType:   wire.PayloadTypeAsymkey,
		UsageAuth:     usageAuth,
		MigrationAuth: migrationAuth,
		PubDataDigest: pubDigest,
		PrivKey:       priv.D.Bytes(),
	}
	encData, err := tpmcrypto.WrapWithTCPALabel(parent.Public, asym.Marshal())
	if err != nil {
		return wire.Key12{}, fmt.Errorf("keystore: wrapping child key: %w", err)
	}

	var flags uint32
	if migratable {
		flags |= wire.KeyFlagMigratable
	}

	blob := wire.Key12{
		KeyUsage:      usage,
		KeyFlags:      flags,
		AuthDataUsage: 1,
		AlgorithmParms: wire.KeyParms{
			AlgorithmID: 1, // TPM_ALG_RSA
			EncScheme:   3, // TPM_ES_RSAESOAEP_SHA1_MGF1
			SigScheme:   1, // TPM_SS_RSASSAPKCS1v15_SHA1
			Params:      wire.RSAKeyParms{KeyLength: uint32(bits), NumPrimes: 2}.Marshal(),
		},
		PubKey:  wire.StorePubkey{Key: pubBytes},
		EncData: encData,
	}
	return blob, nil
}

// LoadKey2 unwraps blob's private payload under its parent and installs
// it into a loaded-key slot, returning the assigned handle.
func (s *Store) LoadKey2(parentHandle uint32, blob wire.Key12) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.slots) >= s.capacity {
		return 0, ErrSlotsFull
	}
	parent, err := s.parentByHandle(parentHandle)
	if err != nil {
		return 0, err
	}
	if parent.Private == nil {
		return 0, fmt.Errorf("keystore: %w: parent has no private half loaded", ErrParentNotFound)
	}

	plain, err := tpmcrypto.UnwrapWithTCPALabel(parent.Private, blob.EncData)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrongParent, err)
	}
	asym, err := wire.ParseStoreAsymkey(plain)
	if err != nil {
		return 0, fmt.Errorf("keystore: parsing unwrapped payload: %w", err)
	}

	pub, err := tpmcrypto.ParsePublicKey(blob.PubKey.Key)
	if err != nil {
		return 0, fmt.Errorf("keystore: parsing public key: %w", err)
	}
	pubDigest := tpmcrypto.SHA1(blob.PubKey.Key)
	if !tpmcrypto.ConstantTimeEqual(pubDigest, asym.PubDataDigest) {
		return 0, fmt.Errorf("%w: public key digest mismatch", ErrWrongParent)
	}

	priv := rsaPrivateFromD(pub, asym.PrivKey)

	handle := s.allocHandle()
	s.slots[handle] = &Entity{
		Handle:       handle,
		Blob:         blob,
		Public:       pub,
		Private:      priv,
		UsageAuth:    asym.UsageAuth,
		ParentHandle: parentHandle,
	}
	return handle, nil
}

// GetPubKey returns the public half of a loaded key. The store checks no
// authorization; the engine's handler verifies the key's usage auth
// before calling it.
func (s *Store) GetPubKey(handle uint32) (wire.StorePubkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.parentByHandle(handle)
	if err != nil {
		return wire.StorePubkey{}, ErrKeyNotFound
	}
	return wire.StorePubkey{Key: tpmcrypto.MarshalPublicKey(e.Public)}, nil
}

// EvictKey removes a loaded key's slot (TPM_EvictKey / FlushSpecific).
// The SRK and EK cannot be evicted this way.
func (s *Store) EvictKey(handle uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle == HandleSRK || handle == HandleEK {
		return fmt.Errorf("keystore: fixed handle 0x%08x cannot be evicted", handle)
	}
	if _, ok := s.slots[handle]; !ok {
		return ErrKeyNotFound
	}
	delete(s.slots, handle)
	return nil
}

// Get returns the loaded Entity for handle (SRK, EK, or a child slot).
func (s *Store) Get(handle uint32) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentByHandle(handle)
}

// Len reports the number of loaded child-key slots in use, excluding the
// always-resident SRK and EK.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Store) allocHandle() uint32 {
	for {
		h := s.nextHandle
		s.nextHandle++
		if h == HandleSRK || h == HandleEK {
			continue
		}
		if _, exists := s.slots[h]; !exists {
			return h
		}
	}
}
