// Package poa implements the Ed25519 Proof-of-Authority commit path: the
// staged verification pipeline that gates every operator state transition
// (spec §4.4), replay defense per verify_key, and the tamper-counter /
// rate-limit policies from the error handling design (spec §7).
//
// The pipeline shape, a fixed ordered list of checks, each returning a
// specific sentinel on failure, is grounded on
// internal/consensus/validate.go's validateVertex, which chains
// validateProducer -> validateSignature -> validateEpoch -> ... in the
// same "first failing check wins" style.
package poa

import (
	"crypto/ed25519"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/wire"
)

// badSignatureThreshold is the tamper-counter threshold from spec §7:
// "if >= threshold, demand operator intervention."
const badSignatureThreshold = 3

// ProposedState is a preparatory state blob delivered ahead of the
// CommitToken that authorizes it (wire.ProposedStateFrame), keyed by its
// state_hash so a later CommitToken can be matched against it.
type ProposedState struct {
	Cycle uint64
	X     []byte // Q1.31 vector, little-endian encoded, as received on the wire
}

// Gate is the verification/application pipeline for CommitTokens. It owns
// no socket; callers feed it decoded CommitTokenFrames and ProposedState
// announcements and receive an apply decision back.
//
// Threaded as an explicit value (spec §9 "Global state ... model them as
// an explicit AggregatorContext value"), not a package singleton.
type Gate struct {
	mu sync.Mutex

	authorized map[[32]byte]bool // pre-provisioned authorized verify_keys
	lastSeq    map[[32]byte]uint64
	proposed   map[[32]byte]ProposedState // state_hash -> proposed state
	tamperCnt  map[[32]byte]int           // bad-signature counter per verify_key

	committedEpoch uint64
	haltRequested  bool

	pending []*wire.CommitTokenFrame // verified tokens awaiting the next cycle boundary

	limiter *SenderLimiter // optional; nil means no rate-limiting
}

// WithRateLimiter enables the spec §7 UnauthorizedOperator policy
// ("reject, log, rate-limit sender for 10 cycles"): repeated rejected
// CommitTokens from the same verify_key are throttled rather than
// re-verified (and re-logged) every single cycle.
func (g *Gate) WithRateLimiter(cycleDur time.Duration) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiter = NewSenderLimiter(cycleDur)
	return g
}

// NewGate creates a Gate with the given pre-provisioned authorized key
// set. Per spec §6, the authorized set is read from an external source at
// startup and is read-only thereafter except through a PoA commit.
func NewGate(authorizedKeys [][32]byte) *Gate {
	g := &Gate{
		authorized: make(map[[32]byte]bool, len(authorizedKeys)),
		lastSeq:    make(map[[32]byte]uint64),
		proposed:   make(map[[32]byte]ProposedState),
		tamperCnt:  make(map[[32]byte]int),
	}
	for _, k := range authorizedKeys {
		g.authorized[k] = true
	}
	return g
}

// CommittedEpoch returns the current committed epoch. Monotonic,
// never regresses (spec §3 invariant).
func (g *Gate) CommittedEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committedEpoch
}

// HaltRequested reports whether a signed Halt commit has been applied.
func (g *Gate) HaltRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltRequested
}

// RecordProposedState registers a preparatory state blob so a later
// CommitToken referencing its hash can pass the UnknownState check
// (spec §4.4 rule 4). Grounded on the supplemented 0x07 proposed_state
// frame (see DESIGN.md).
func (g *Gate) RecordProposedState(f *wire.ProposedStateFrame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-encode for storage rather than holding the fixedpoint.Scalar
	// slice directly, so Gate has no import-time dependency on the wire
	// vector layout beyond the hash key.
	xBytes := make([]byte, len(f.X)*4)
	for i, s := range f.X {
		b := [4]byte{}
		u := uint32(int32(s))
		b[0], b[1], b[2], b[3] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
		copy(xBytes[i*4:], b[:])
	}
	g.proposed[f.StateHash] = ProposedState{Cycle: f.Cycle, X: xBytes}
}

// Verify runs the four-stage pipeline from spec §4.4 against a decoded
// CommitTokenFrame, returning the specific sentinel error on the first
// failing stage. A nil return means the token is fully verified and
// ready to be queued for boundary application via Enqueue.
func (g *Gate) Verify(f *wire.CommitTokenFrame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.authorized[f.VerifyKey] {
		if g.limiter != nil && !g.limiter.Allowed(f.VerifyKey) {
			return ErrRateLimited
		}
		logger.Warn("poa: commit token from unauthorized key", "verify_key_prefix", f.VerifyKey[:4])
		if g.limiter != nil {
			g.limiter.Penalize(f.VerifyKey)
		}
		return ErrUnauthorizedOperator
	}

	if f.Sequence <= g.lastSeq[f.VerifyKey] {
		// Indistinguishable from a network replay; reject silently per
		// spec §7 policy (caller must not log this as an attack).
		return ErrReplayedOrStale
	}

	if !g.verifySignature(f) {
		g.tamperCnt[f.VerifyKey]++
		if g.tamperCnt[f.VerifyKey] >= badSignatureThreshold {
			logger.Error("poa: tamper counter threshold reached, operator intervention required",
				"verify_key_prefix", f.VerifyKey[:4], "count", g.tamperCnt[f.VerifyKey])
		}
		return ErrBadSignature
	}

	if _, ok := g.proposed[f.StateHash]; !ok {
		return ErrUnknownState
	}

	// Verification is pure; do not mutate lastSeq here. Drain does, at
	// the cycle boundary, so a verified-but-not-yet-applied token can
	// still be re-verified idempotently (spec §8 "applying the same
	// CommitToken twice produces the same committed_epoch").
	return nil
}

// verifySignature checks signature == Ed25519_sign(sk, canonical(state_hash || sequence)).
func (g *Gate) verifySignature(f *wire.CommitTokenFrame) bool {
	msg := canonicalCommitPayload(f.StateHash, f.Sequence)
	return ed25519.Verify(ed25519.PublicKey(f.VerifyKey[:]), msg, f.Signature[:])
}

// canonicalCommitPayload builds canonical(state_hash || sequence): fields
// concatenated in declared order, no tags, no padding (spec §6).
// Sequence is little-endian for consistency with the rest of the wire
// encoding (see internal/wire).
func canonicalCommitPayload(stateHash [32]byte, sequence uint64) []byte {
	buf := make([]byte, 40)
	copy(buf[:32], stateHash[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	return buf
}

// Enqueue hands a verified CommitToken to the gate for application at
// the next cycle boundary, rather than the instant it was read off the
// socket. spec §4.4 "Application": mid-cycle state changes would
// invalidate in-flight TaskFrames whose y_k values were computed against
// the old M, x, causing silent corruption once decoded against the new
// state; queuing until Drain is called from closeCycle avoids that.
// Enqueue does not itself mutate committed_epoch or lastSeq; that only
// happens once Drain runs.
func (g *Gate) Enqueue(f *wire.CommitTokenFrame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, f)
}

// AppliedCommit is one CommitToken's effect once Drain applies it: the
// epoch it advanced to and the proposed state it authorized, ready for
// the caller to install into aggregator.Context via
// Context.ApplyCommittedState.
type AppliedCommit struct {
	Epoch uint64
	State ProposedState
}

// Drain applies every token Enqueue has accumulated since the last
// Drain, in ascending sequence order, and returns the resulting
// committed states for the caller to install (spec §4.4 "new M, x, K,
// role assignments, or configuration become the active state"). Called
// once per cycle, at the boundary, from the event loop's closeCycle.
//
// Applying the same (verify_key, sequence) twice is a no-op: the second
// occurrence's sequence is no longer strictly greater than lastSeq, so
// it contributes no AppliedCommit (spec §8 idempotence property).
func (g *Gate) Drain() []AppliedCommit {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) == 0 {
		return nil
	}

	batch := g.pending
	g.pending = nil
	sort.Slice(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })

	var applied []AppliedCommit
	for _, f := range batch {
		if f.Sequence <= g.lastSeq[f.VerifyKey] {
			continue
		}
		g.lastSeq[f.VerifyKey] = f.Sequence
		g.committedEpoch++

		state, ok := g.proposed[f.StateHash]
		if !ok {
			// Verify already enforced the proposed state's presence; it
			// cannot have vanished between Verify and Drain since nothing
			// else deletes from g.proposed. Epoch still advances.
			continue
		}
		delete(g.proposed, f.StateHash)
		applied = append(applied, AppliedCommit{Epoch: g.committedEpoch, State: state})
	}
	return applied
}

// ApplyHalt marks the gate halted. Called once a verified Halt
// CommitToken (distinguished by the caller via an out-of-band state kind
// in the proposed state, since spec §6's wire table has no dedicated
// Halt message type) has been applied.
func (g *Gate) ApplyHalt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltRequested = true
}

// TamperCount returns the current bad-signature counter for a key,
// exposed for metrics (spec §7 "increment tamper counter").
func (g *Gate) TamperCount(verifyKey [32]byte) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tamperCnt[verifyKey]
}
