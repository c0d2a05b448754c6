// Package llft implements the Leader/Backup Fast Failover replication
// core from spec §4.3: role promotion, heartbeat-driven failure
// detection, and shadow-state divergence recovery.
package llft

import "sync"

// Role is a node's position in the replication core (spec §4.3).
type Role int

const (
	RoleBackup Role = iota
	RoleCandidate
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleCandidate:
		return "candidate"
	default:
		return "backup"
	}
}

// ClaimTuple is the (committed_epoch, cycle, node_id) tie-break key
// spec §4.3 uses to decide which ClaimPrimary wins a contested
// promotion.
type ClaimTuple struct {
	CommittedEpoch uint64
	Cycle          uint64
	NodeID         uint64
}

// Higher reports whether t is strictly higher priority than other
// (lexicographic on committed_epoch, then cycle, then node_id).
func (t ClaimTuple) Higher(other ClaimTuple) bool {
	if t.CommittedEpoch != other.CommittedEpoch {
		return t.CommittedEpoch > other.CommittedEpoch
	}
	if t.Cycle != other.Cycle {
		return t.Cycle > other.Cycle
	}
	return t.NodeID > other.NodeID
}

// StateMachine tracks a single node's role and drives the promotion
// table from spec §4.3. It is the authority for "what role am I" that
// the aggregator event loop consults every cycle; it does not itself
// own the socket or the clock.
type StateMachine struct {
	mu sync.Mutex

	nodeID uint64
	role   Role

	committedEpoch uint64
	cycle          uint64

	missedHeartbeats int
	missedThreshold  int

	bestClaim   ClaimTuple
	haveClaim   bool
	forcedUntil Role
	forced      bool
}

// NewStateMachine creates a node starting in the Backup role, per
// spec §4.3's "zero [Primary] is tolerated for at most one cycle"
// bootstrap: every node starts as Backup and the promotion table takes
// it from there.
func NewStateMachine(nodeID uint64, missedThreshold int) *StateMachine {
	if missedThreshold <= 0 {
		missedThreshold = 3 // F from spec §4.3
	}
	return &StateMachine{
		nodeID:          nodeID,
		role:            RoleBackup,
		missedThreshold: missedThreshold,
	}
}

// Role returns the current role.
func (s *StateMachine) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// CommittedEpoch returns the locally tracked committed epoch.
func (s *StateMachine) CommittedEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedEpoch
}

// Cycle returns the locally tracked current cycle number.
func (s *StateMachine) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// OnHeartbeat resets the missed-heartbeat counter and folds the sender's
// (committed_epoch, cycle) into local tracking. Called by a Backup or
// Candidate on receipt of the Primary's heartbeat.
func (s *StateMachine) OnHeartbeat(cycle, committedEpoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.missedHeartbeats = 0
	if committedEpoch > s.committedEpoch {
		s.committedEpoch = committedEpoch
	}
	if cycle > s.cycle {
		s.cycle = cycle
	}
	if s.role == RoleCandidate {
		s.role = RoleBackup
		s.haveClaim = false
	}
}

// OnMissedHeartbeat is called once per cycle period in which no
// heartbeat arrived. Returns the ClaimPrimary tuple to broadcast if this
// crossed the F-miss promotion threshold (spec §4.3 "Backup | F missed
// heartbeats | Candidate | Broadcast ClaimPrimary"), or ok=false
// otherwise.
func (s *StateMachine) OnMissedHeartbeat() (claim ClaimTuple, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleBackup {
		return ClaimTuple{}, false
	}

	s.missedHeartbeats++
	if s.missedHeartbeats < s.missedThreshold {
		return ClaimTuple{}, false
	}

	s.role = RoleCandidate
	claim = ClaimTuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.nodeID}
	s.bestClaim = claim
	s.haveClaim = true
	return claim, true
}

// OnClaimPrimary folds in a received ClaimPrimary tuple (possibly our
// own echoed back, possibly a competitor's) and returns the role
// transition it causes, if any.
//
//   - Candidate, own claim still highest after T_cycle/2: promote to
//     Primary (call PromoteIfUncontested for that half, this handles
//     the "receives a higher tuple" half of the table).
//   - Candidate or Primary, receives a strictly higher tuple: step down
//     to Backup.
func (s *StateMachine) OnClaimPrimary(claim ClaimTuple) (demoted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveClaim && !claim.Higher(s.bestClaim) {
		return false
	}

	switch s.role {
	case RolePrimary:
		if claim.Higher(ClaimTuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.nodeID}) {
			s.role = RoleBackup
			s.missedHeartbeats = 0
			s.bestClaim = claim
			s.haveClaim = true
			return true
		}
		return false
	case RoleCandidate:
		if claim.NodeID != s.nodeID {
			s.bestClaim = claim
			s.haveClaim = true
			if claim.Higher(ClaimTuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.nodeID}) {
				s.role = RoleBackup
				s.missedHeartbeats = 0
				return true
			}
		}
		return false
	default:
		s.bestClaim = claim
		s.haveClaim = true
		return false
	}
}

// PromoteIfUncontested completes the Candidate -> Primary transition
// once T_cycle/2 has elapsed with no higher competing claim observed
// (spec §4.3). Returns true if promotion occurred.
func (s *StateMachine) PromoteIfUncontested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleCandidate {
		return false
	}
	own := ClaimTuple{CommittedEpoch: s.committedEpoch, Cycle: s.cycle, NodeID: s.nodeID}
	if s.haveClaim && s.bestClaim != own {
		return false
	}

	s.role = RolePrimary
	s.missedHeartbeats = 0
	return true
}

// ForceRole applies an operator ForceRole PoA commit (spec §4.3, "Any |
// Operator ForceRole(node_id) PoA commit | as directed | Mandatory").
// Only meaningful when node_id equals this node's id; callers must
// already have verified the commit's authenticity via internal/poa
// before calling this.
func (s *StateMachine) ForceRole(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.role = role
	s.missedHeartbeats = 0
	s.haveClaim = false
}

// AdvanceCycle records that a new cycle has opened, for use in the next
// ClaimPrimary tuple this node might broadcast.
func (s *StateMachine) AdvanceCycle(cycle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cycle > s.cycle {
		s.cycle = cycle
	}
}

// SetCommittedEpoch records a newly applied commit's epoch, called for
// each commit internal/poa.Gate.Drain applies.
func (s *StateMachine) SetCommittedEpoch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.committedEpoch {
		s.committedEpoch = epoch
	}
}
