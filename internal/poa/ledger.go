package poa

import (
	"encoding/binary"

	"github.com/clemsix6/control-fabric/internal/storage"
)

// ledgerKeyPrefix namespaces audit entries in the shared Pebble store,
// mirroring internal/consensus/tracker.go's "t:" prefix convention.
var ledgerKeyPrefix = []byte("poa:seq:")

// Ledger is an optional durable audit trail of verified CommitToken
// sequences, backed by Pebble. The core PoA invariants (spec §3: replay
// defense per verify_key) are enforced in-memory by Gate regardless of
// whether a Ledger is attached; spec §6 explicitly requires no
// persistence for the core. A Ledger only gives an operator a
// crash-survivable record of what was applied, grounded on
// internal/storage/storage.go's Pebble wrapper and
// internal/consensus/tracker.go's encode/decode-version idiom.
type Ledger struct {
	db *storage.Storage
}

// NewLedger wraps an existing Storage instance for audit use. Passing nil
// disables persistence; callers should treat a nil *Ledger as a no-op
// (all its methods are nil-receiver safe).
func NewLedger(db *storage.Storage) *Ledger {
	return &Ledger{db: db}
}

// RecordApplied durably records that (verifyKey, sequence) advanced
// committed_epoch, for post-hoc audit. Best-effort: a write failure is
// returned to the caller and nothing here retries it; the in-memory
// Gate state remains authoritative for the running process.
func (l *Ledger) RecordApplied(verifyKey [32]byte, sequence, epoch uint64) error {
	if l == nil || l.db == nil {
		return nil
	}

	key := l.makeKey(verifyKey)
	value := make([]byte, 16)
	binary.LittleEndian.PutUint64(value[:8], sequence)
	binary.LittleEndian.PutUint64(value[8:], epoch)

	return l.db.Set(key, value)
}

// LastRecorded returns the last sequence and epoch recorded for a key, or
// (0, 0, false) if none.
func (l *Ledger) LastRecorded(verifyKey [32]byte) (sequence, epoch uint64, ok bool) {
	if l == nil || l.db == nil {
		return 0, 0, false
	}

	value, err := l.db.Get(l.makeKey(verifyKey))
	if err != nil || value == nil || len(value) < 16 {
		return 0, 0, false
	}

	return binary.LittleEndian.Uint64(value[:8]), binary.LittleEndian.Uint64(value[8:]), true
}

func (l *Ledger) makeKey(verifyKey [32]byte) []byte {
	key := make([]byte, len(ledgerKeyPrefix)+32)
	copy(key, ledgerKeyPrefix)
	copy(key[len(ledgerKeyPrefix):], verifyKey[:])
	return key
}
