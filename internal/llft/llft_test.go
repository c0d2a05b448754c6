package llft

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/wire"
)

func TestPromotionAfterMissedHeartbeats(t *testing.T) {
	sm := NewStateMachine(7, 3)

	for i := 0; i < 2; i++ {
		if _, ok := sm.OnMissedHeartbeat(); ok {
			t.Fatalf("promoted to Candidate after only %d misses, want 3", i+1)
		}
	}

	claim, ok := sm.OnMissedHeartbeat()
	if !ok {
		t.Fatalf("expected promotion to Candidate on the 3rd missed heartbeat")
	}
	if sm.Role() != RoleCandidate {
		t.Fatalf("role = %v, want Candidate", sm.Role())
	}
	if claim.NodeID != 7 {
		t.Fatalf("claim.NodeID = %d, want 7", claim.NodeID)
	}

	if !sm.PromoteIfUncontested() {
		t.Fatalf("expected promotion to Primary when no competing claim arrived")
	}
	if sm.Role() != RolePrimary {
		t.Fatalf("role = %v, want Primary", sm.Role())
	}
}

func TestHigherClaimDemotesPrimary(t *testing.T) {
	sm := NewStateMachine(1, 3)
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	sm.PromoteIfUncontested()
	if sm.Role() != RolePrimary {
		t.Fatalf("setup: expected Primary")
	}

	higher := ClaimTuple{CommittedEpoch: 0, Cycle: 0, NodeID: 99}
	if !sm.OnClaimPrimary(higher) {
		t.Fatalf("expected a strictly higher claim to demote the Primary")
	}
	if sm.Role() != RoleBackup {
		t.Fatalf("role after demotion = %v, want Backup", sm.Role())
	}
}

func TestLowerClaimDoesNotDemotePrimary(t *testing.T) {
	sm := NewStateMachine(50, 3)
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	sm.PromoteIfUncontested()

	lower := ClaimTuple{CommittedEpoch: 0, Cycle: 0, NodeID: 1}
	if sm.OnClaimPrimary(lower) {
		t.Fatalf("a strictly lower claim must not demote the Primary")
	}
	if sm.Role() != RolePrimary {
		t.Fatalf("role = %v, want Primary", sm.Role())
	}
}

func TestHeartbeatReceiptResetsCandidate(t *testing.T) {
	sm := NewStateMachine(3, 3)
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	sm.OnMissedHeartbeat()
	if sm.Role() != RoleCandidate {
		t.Fatalf("setup: expected Candidate")
	}

	sm.OnHeartbeat(5, 2)
	if sm.Role() != RoleBackup {
		t.Fatalf("role after heartbeat receipt = %v, want Backup", sm.Role())
	}
	if sm.CommittedEpoch() != 2 {
		t.Fatalf("CommittedEpoch() = %d, want 2", sm.CommittedEpoch())
	}
}

func TestForceRoleIsMandatory(t *testing.T) {
	sm := NewStateMachine(1, 3)
	sm.ForceRole(RolePrimary)
	if sm.Role() != RolePrimary {
		t.Fatalf("ForceRole did not apply")
	}
}

func TestMonitorTicksUntilStopped(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	ticks := make(chan struct{}, 8)
	m.Start(func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	defer m.Stop()

	select {
	case <-ticks:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("monitor did not tick within timeout")
	}
}

func TestDivergenceHashDetectsMismatch(t *testing.T) {
	x := []fixedpoint.Scalar{fixedpoint.FromFloat(0.5), fixedpoint.FromFloat(-0.25)}
	shadow := NewShadowState(x)
	shadow.ApplyCommit(x, 3)

	primaryHash := DivergenceHash(shadow.cycle, x, 3)
	if shadow.Diverged(primaryHash) {
		t.Fatalf("identical state must not be reported as diverged")
	}

	divergedX := []fixedpoint.Scalar{fixedpoint.FromFloat(0.5), fixedpoint.FromFloat(0.25)}
	primaryHash2 := DivergenceHash(shadow.cycle, divergedX, 3)
	if !shadow.Diverged(primaryHash2) {
		t.Fatalf("mismatched state must be reported as diverged")
	}
}

func TestResyncFrameAppliedOnValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	x := []fixedpoint.Scalar{fixedpoint.FromFloat(0.1), fixedpoint.FromFloat(0.2)}
	sig := SignResync(priv, 10, 4, x)

	frame := &wire.ResyncFrame{Cycle: 10, CommittedEpoch: 4, X: x, Signature: sig}

	shadow := NewShadowState([]fixedpoint.Scalar{0, 0})
	if !shadow.ApplyResync(frame, pub) {
		t.Fatalf("expected valid ResyncFrame to apply")
	}
	if shadow.CommittedEpoch() != 4 {
		t.Fatalf("CommittedEpoch() = %d, want 4", shadow.CommittedEpoch())
	}
}

func TestResyncFrameRejectedOnBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	x := []fixedpoint.Scalar{fixedpoint.FromFloat(0.1)}
	badSig := SignResync(otherPriv, 10, 4, x) // signed by the wrong key

	frame := &wire.ResyncFrame{Cycle: 10, CommittedEpoch: 4, X: x, Signature: badSig}

	shadow := NewShadowState([]fixedpoint.Scalar{0})
	if shadow.ApplyResync(frame, pub) {
		t.Fatalf("expected ResyncFrame signed by the wrong key to be rejected")
	}
}
