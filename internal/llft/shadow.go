package llft

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/wire"
)

// DivergenceHash computes blake3-256 over canonical(cycle, x,
// committed_epoch) (spec §4.3, §9 "Divergence hash algorithm": resolved
// to BLAKE3-256 for consistency with every other hash in this system,
// see DESIGN.md). Primary and Backup each compute this independently
// every heartbeat; a mismatch is a divergence.
func DivergenceHash(cycle uint64, x []fixedpoint.Scalar, committedEpoch uint64) [32]byte {
	h := blake3.New()

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], cycle)
	h.Write(u64[:])

	h.Write(fixedpoint.EncodeVec(x))

	binary.LittleEndian.PutUint64(u64[:], committedEpoch)
	h.Write(u64[:])

	var out [32]byte
	h.Digest().Read(out[:])
	return out
}

// ShadowState is the Backup's mirror of the Primary's (x, committed_epoch),
// maintained by applying every verified CommitToken and decoded cycle
// output identically to the Primary (spec §4.3).
type ShadowState struct {
	cycle          uint64
	committedEpoch uint64
	x              []fixedpoint.Scalar
}

// NewShadowState seeds a shadow state, typically from the same bootstrap
// (M, x, K) the Primary started from.
func NewShadowState(x []fixedpoint.Scalar) *ShadowState {
	xc := make([]fixedpoint.Scalar, len(x))
	copy(xc, x)
	return &ShadowState{x: xc}
}

// ApplyCycleResult mirrors a decoded cycle's output into the shadow copy.
func (s *ShadowState) ApplyCycleResult(cycle uint64, y []fixedpoint.Scalar) {
	s.cycle = cycle
	s.x = y
}

// ApplyCommit mirrors a PoA-applied commit's new state and epoch.
func (s *ShadowState) ApplyCommit(x []fixedpoint.Scalar, committedEpoch uint64) {
	xc := make([]fixedpoint.Scalar, len(x))
	copy(xc, x)
	s.x = xc
	s.committedEpoch = committedEpoch
}

// Hash computes this shadow's own divergence hash for comparison against
// a Primary-reported one.
func (s *ShadowState) Hash() [32]byte {
	return DivergenceHash(s.cycle, s.x, s.committedEpoch)
}

// Diverged reports whether primaryHash disagrees with this shadow's own
// hash.
func (s *ShadowState) Diverged(primaryHash [32]byte) bool {
	return s.Hash() != primaryHash
}

// X returns the shadow's current state vector.
func (s *ShadowState) X() []fixedpoint.Scalar {
	return s.x
}

// CommittedEpoch returns the shadow's current committed epoch.
func (s *ShadowState) CommittedEpoch() uint64 {
	return s.committedEpoch
}

// ApplyResync verifies and, if valid, applies a signed ResyncFrame from
// the Primary (spec §4.3, "the Primary ships the current x and
// committed_epoch in a signed ResyncFrame"). primaryKey is the Primary's
// own Ed25519 public key; it is neither the operator PoA key nor
// internal/poa's BLS cycle-attestation key.
func (s *ShadowState) ApplyResync(f *wire.ResyncFrame, primaryKey ed25519.PublicKey) bool {
	payload := canonicalResyncPayload(f.Cycle, f.CommittedEpoch, f.X)
	if !ed25519.Verify(primaryKey, payload, f.Signature[:]) {
		return false
	}

	s.cycle = f.Cycle
	s.committedEpoch = f.CommittedEpoch
	xc := make([]fixedpoint.Scalar, len(f.X))
	copy(xc, f.X)
	s.x = xc
	return true
}

// SignResync signs a ResyncFrame's payload; called by the Primary in
// response to a resync request.
func SignResync(key ed25519.PrivateKey, cycle, committedEpoch uint64, x []fixedpoint.Scalar) [64]byte {
	payload := canonicalResyncPayload(cycle, committedEpoch, x)
	sig := ed25519.Sign(key, payload)
	var out [64]byte
	copy(out[:], sig)
	return out
}

func canonicalResyncPayload(cycle, committedEpoch uint64, x []fixedpoint.Scalar) []byte {
	buf := make([]byte, 16+len(x)*4)
	binary.LittleEndian.PutUint64(buf[0:8], cycle)
	binary.LittleEndian.PutUint64(buf[8:16], committedEpoch)
	copy(buf[16:], fixedpoint.EncodeVec(x))
	return buf
}
