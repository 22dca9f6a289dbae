// Package nvstore implements non-volatile storage: indexed byte regions
// with owner/entity/physical-presence permission bitmasks and an optional
// PCR release predicate, persisted through database/sql against the
// mattn/go-sqlite3 driver rather than a bespoke flat-file format. Its
// nv_index table is the only SQLite table the daemon keeps.
package nvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tpmd/internal/pcrengine"
	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// Permission bits (TPM_NV_PER_*).
const (
	PerOwnerWrite  uint32 = 1 << 1
	PerOwnerRead   uint32 = 1 << 15
	PerAuthWrite   uint32 = 1 << 2
	PerAuthRead    uint32 = 1 << 18
	PerWriteAll    uint32 = 1 << 12
	PerWriteSTClear uint32 = 1 << 13
	PerWriteDefine  uint32 = 1 << 14
	PerPPWrite      uint32 = 1 << 0
	PerPPRead       uint32 = 1 << 16
	PerGlobalLock   uint32 = 1 << 17
)

// GlobalLockIndex is the well-known index (0xFFFFFFFF) whose
// TPM_NV_WriteValue call sets the GLOBALLOCK flag across every index
// carrying PerGlobalLock until the next TPM_Startup(ST_CLEAR).
const GlobalLockIndex uint32 = 0xFFFFFFFF

var (
	ErrIndexExists    = errors.New("nvstore: index already defined")
	ErrIndexNotFound  = errors.New("nvstore: index not defined")
	ErrPermissionDenied = errors.New("nvstore: permission denied for this access")
	ErrAreaLocked     = errors.New("nvstore: area is locked for writing")
	ErrPCRMismatch    = errors.New("nvstore: pcr release predicate not satisfied")
	ErrOutOfRange     = errors.New("nvstore: offset/length exceeds index size")
)

// Index describes one NV storage region's definition.
type Index struct {
	Index       uint32
	Size        uint32
	Permissions uint32
	Auth        tpmcrypto.Digest // gates PerAuthRead/PerAuthWrite access to this index
	PCRInfoRead  *wire.PCRInfo // nil if no PCR release predicate gates reads
	PCRInfoWrite *wire.PCRInfo
	WriteDefineLocked bool // set once, for PerWriteDefine indices, after first write
	bitsSTClear  bool     // write-locked until next ST_CLEAR (PerWriteSTClear)
	bitsGlobal   bool     // write-locked by the global lock index until next ST_CLEAR
}

// Store owns the NV index table and its backing database.
type Store struct {
	db *sql.DB
	globalLocked bool
}

// Open opens (creating if needed) the sqlite-backed NV store at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("nvstore: opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS nv_index (
	idx INTEGER PRIMARY KEY,
	size INTEGER NOT NULL,
	permissions INTEGER NOT NULL,
	auth BLOB NOT NULL,
	pcr_info_read BLOB,
	pcr_info_write BLOB,
	write_define_locked INTEGER NOT NULL DEFAULT 0,
	data BLOB NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("nvstore: migrating schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Define creates a new NV index, zero-filled to size, unless one already
// exists at that index (TPM_NV_DefineSpace with a non-empty area is a
// redefinition error in the real protocol; the caller deletes first via
// DefineSpace(size=0) to free it).
func (s *Store) Define(ctx context.Context, idx Index) error {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nv_index WHERE idx = ?`, idx.Index)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("nvstore: checking existing index: %w", err)
	}
	if exists > 0 {
		return ErrIndexExists
	}
	var readBlob, writeBlob []byte
	if idx.PCRInfoRead != nil {
		readBlob = idx.PCRInfoRead.Marshal()
	}
	if idx.PCRInfoWrite != nil {
		writeBlob = idx.PCRInfoWrite.Marshal()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO nv_index(idx, size, permissions, auth, pcr_info_read, pcr_info_write, write_define_locked, data)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		idx.Index, idx.Size, idx.Permissions, idx.Auth[:], readBlob, writeBlob, make([]byte, idx.Size))
	if err != nil {
		return fmt.Errorf("nvstore: inserting index: %w", err)
	}
	return nil
}

// Undefine removes an index entirely (TPM_NV_DefineSpace called again
// with size 0 over an existing index).
func (s *Store) Undefine(ctx context.Context, index uint32) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nv_index WHERE idx = ?`, index)
	if err != nil {
		return fmt.Errorf("nvstore: deleting index: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrIndexNotFound
	}
	return nil
}

type accessKind int

const (
	accessRead accessKind = iota
	accessWrite
)

// checkPermission enforces the caller-asserted auth class (owner,
// entity/auth, or physical presence) against an index's permission bits,
// and — when a release predicate is attached — its PCR gate.
func (s *Store) checkPermission(idx Index, kind accessKind, ownerAuthOK, entityAuthOK, physicalPresence bool, bank *pcrengine.Bank, locality uint8) error {
	var allowedByAuth bool
	switch kind {
	case accessRead:
		allowedByAuth = (idx.Permissions&PerOwnerRead != 0 && ownerAuthOK) ||
			(idx.Permissions&PerAuthRead != 0 && entityAuthOK) ||
			(idx.Permissions&PerPPRead != 0 && physicalPresence)
		if idx.PCRInfoRead != nil {
			if bank == nil || !bank.VerifyRelease(*idx.PCRInfoRead, locality) {
				return ErrPCRMismatch
			}
		}
	case accessWrite:
		allowedByAuth = (idx.Permissions&PerOwnerWrite != 0 && ownerAuthOK) ||
			(idx.Permissions&PerAuthWrite != 0 && entityAuthOK) ||
			(idx.Permissions&PerPPWrite != 0 && physicalPresence) ||
			idx.Permissions&PerWriteAll != 0
		if idx.PCRInfoWrite != nil {
			if bank == nil || !bank.VerifyRelease(*idx.PCRInfoWrite, locality) {
				return ErrPCRMismatch
			}
		}
	}
	if !allowedByAuth {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Store) get(ctx context.Context, index uint32) (Index, []byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT size, permissions, auth, pcr_info_read, pcr_info_write, write_define_locked, data FROM nv_index WHERE idx = ?`, index)
	var idx Index
	var data, authBlob, readBlob, writeBlob []byte
	var locked int
	if err := row.Scan(&idx.Size, &idx.Permissions, &authBlob, &readBlob, &writeBlob, &locked, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Index{}, nil, ErrIndexNotFound
		}
		return Index{}, nil, fmt.Errorf("nvstore: reading index: %w", err)
	}
	idx.Index = index
	copy(idx.Auth[:], authBlob)
	idx.WriteDefineLocked = locked != 0
	if len(readBlob) > 0 {
		info, err := wire.ParsePCRInfo(readBlob)
		if err != nil {
			return Index{}, nil, fmt.Errorf("nvstore: parsing pcr_info_read: %w", err)
		}
		idx.PCRInfoRead = &info
	}
	if len(writeBlob) > 0 {
		info, err := wire.ParsePCRInfo(writeBlob)
		if err != nil {
			return Index{}, nil, fmt.Errorf("nvstore: parsing pcr_info_write: %w", err)
		}
		idx.PCRInfoWrite = &info
	}
	return idx, data, nil
}

// Describe returns an index's definition (including its Auth value) without
// its data payload, so the engine can resolve the auth secret a session
// must be verified against before calling Read or Write.
func (s *Store) Describe(ctx context.Context, index uint32) (Index, error) {
	idx, _, err := s.get(ctx, index)
	return idx, err
}

// Read returns length bytes starting at offset from the index's data
// area, after checking permissions.
func (s *Store) Read(ctx context.Context, index uint32, offset, length uint32, ownerAuthOK, entityAuthOK, physicalPresence bool, bank *pcrengine.Bank, locality uint8) ([]byte, error) {
	idx, data, err := s.get(ctx, index)
	if err != nil {
		return nil, err
	}
	if err := s.checkPermission(idx, accessRead, ownerAuthOK, entityAuthOK, physicalPresence, bank, locality); err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

// Write writes value at offset into the index's data area, after
// checking permissions and write-lock state (GLOBALLOCK, WRITEDEFINE).
// PerWriteSTClear is stored with the index but never write-locks it.
func (s *Store) Write(ctx context.Context, index uint32, offset uint32, value []byte, ownerAuthOK, entityAuthOK, physicalPresence bool, bank *pcrengine.Bank, locality uint8) error {
	idx, data, err := s.get(ctx, index)
	if err != nil {
		return err
	}
	if idx.Permissions&PerGlobalLock != 0 && s.globalLocked {
		return ErrAreaLocked
	}
	if idx.Permissions&PerWriteDefine != 0 && idx.WriteDefineLocked {
		return ErrAreaLocked
	}
	if err := s.checkPermission(idx, accessWrite, ownerAuthOK, entityAuthOK, physicalPresence, bank, locality); err != nil {
		return err
	}
	if uint64(offset)+uint64(len(value)) > uint64(len(data)) {
		return ErrOutOfRange
	}
	copy(data[offset:], value)

	lockNow := idx.WriteDefineLocked || idx.Permissions&PerWriteDefine != 0
	_, err = s.db.ExecContext(ctx, `UPDATE nv_index SET data = ?, write_define_locked = ? WHERE idx = ?`,
		data, boolToInt(lockNow), index)
	if err != nil {
		return fmt.Errorf("nvstore: writing index: %w", err)
	}
	return nil
}

// WriteGlobalLock sets the session-lifetime global lock, write-protecting
// every index carrying PerGlobalLock until the next ST_CLEAR startup.
func (s *Store) WriteGlobalLock() {
	s.globalLocked = true
}

// ClearSTClearState resets the transient lock state on TPM_Startup(ST_CLEAR).
func (s *Store) ClearSTClearState() {
	s.globalLocked = false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
