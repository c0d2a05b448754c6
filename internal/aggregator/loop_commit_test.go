package aggregator

import (
	"crypto/ed25519"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft"
	"github.com/clemsix6/control-fabric/internal/poa"
	"github.com/clemsix6/control-fabric/internal/wire"
)

func signToken(priv ed25519.PrivateKey, stateHash [32]byte, sequence uint64) [64]byte {
	buf := make([]byte, 40)
	copy(buf[:32], stateHash[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, buf))
	return sig
}

// Seed scenario: a ResultFrame for cycle == current_cycle - 1 must be
// counted, checked against what that cycle actually dispatched, and
// never fed to the current (different) cycle's decoder.
func TestHandleDatagramRecordsLateArrivalForPriorCycle(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	matrix := identityMatrix(2)
	x := make([]fixedpoint.Scalar, 2)
	gate := poa.NewGate(nil)
	roles := llft.NewStateMachine(1, 3)
	ctx := NewContext(1, gate, roles, matrix, x, 2)

	loop := NewLoop(conn, ctx, time.Second, 100*time.Millisecond)

	prior := NewCycleState(4, 2, time.Now().Add(time.Second))
	seed := uint64(777)
	prior.ExpectBlock(0, seed)
	loop.prev = prior

	cur := NewCycleState(5, 2, time.Now().Add(time.Second))

	remote, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	frame := &wire.ResultFrame{Cycle: 4, BlockID: 0, Seed: seed, YBlock: fixedpoint.MaxValue, Saturated: false}
	loop.handleDatagram(cur, datagram{data: wire.EncodeResult(frame), addr: remote})

	if got := testutil.ToFloat64(ctx.Metrics.LateArrival); got != 1 {
		t.Fatalf("LateArrival count = %v, want 1", got)
	}
	if cur.Decoder.Rank() != 0 {
		t.Fatalf("a late-arrival frame must never reach the current cycle's decoder, rank = %d", cur.Decoder.Rank())
	}
}

// A ResultFrame more than one cycle stale (cycle 3 against current cycle
// 6) has no retained CycleState to check against and is simply dropped,
// not counted as a late arrival.
func TestHandleDatagramDropsResultOlderThanOneCycleBack(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	matrix := identityMatrix(2)
	x := make([]fixedpoint.Scalar, 2)
	gate := poa.NewGate(nil)
	roles := llft.NewStateMachine(1, 3)
	ctx := NewContext(1, gate, roles, matrix, x, 2)
	loop := NewLoop(conn, ctx, time.Second, 100*time.Millisecond)

	loop.prev = NewCycleState(4, 2, time.Now().Add(time.Second))
	cur := NewCycleState(6, 2, time.Now().Add(time.Second))

	remote, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	frame := &wire.ResultFrame{Cycle: 3, BlockID: 0, Seed: 1, YBlock: fixedpoint.MaxValue, Saturated: false}
	loop.handleDatagram(cur, datagram{data: wire.EncodeResult(frame), addr: remote})

	if got := testutil.ToFloat64(ctx.Metrics.LateArrival); got != 0 {
		t.Fatalf("LateArrival count = %v, want 0 for a two-cycles-stale frame", got)
	}
}

// Seed scenario: a CommitToken verified mid-cycle must not mutate
// Context until the cycle boundary drains it.
func TestCommitTokenAppliedOnlyAtCycleBoundary(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var verifyKey [32]byte
	copy(verifyKey[:], pub)

	oldMatrix := identityMatrix(2)
	oldX := make([]fixedpoint.Scalar, 2)
	gate := poa.NewGate([][32]byte{verifyKey})
	roles := llft.NewStateMachine(1, 3)
	ctx := NewContext(1, gate, roles, oldMatrix, oldX, 2)

	loop := NewLoop(conn, ctx, time.Second, 100*time.Millisecond)

	newX := []fixedpoint.Scalar{fixedpoint.FromFloat(0.5), fixedpoint.FromFloat(-0.5)}
	stateHash := [32]byte{0xDD}
	gate.RecordProposedState(&wire.ProposedStateFrame{Cycle: 9, X: newX, StateHash: stateHash})

	sig := signToken(priv, stateHash, 1)
	commit := &wire.CommitTokenFrame{StateHash: stateHash, Sequence: 1, VerifyKey: verifyKey, Signature: sig}

	cur := NewCycleState(9, 2, time.Now().Add(time.Second))
	remote, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	loop.handleDatagram(cur, datagram{data: wire.EncodeCommitToken(commit), addr: remote})

	if got := ctx.State(); got[0] != oldX[0] || got[1] != oldX[1] {
		t.Fatalf("Context mutated before the cycle boundary drained the gate: %v", got)
	}
	if ctx.Roles.CommittedEpoch() != 0 {
		t.Fatalf("committed epoch advanced before drain: %d", ctx.Roles.CommittedEpoch())
	}

	loop.applyPendingCommits()

	got := ctx.State()
	if len(got) != len(newX) || got[0] != newX[0] || got[1] != newX[1] {
		t.Fatalf("Context.State() after drain = %v, want %v", got, newX)
	}
	if ctx.Roles.CommittedEpoch() != 1 {
		t.Fatalf("committed epoch after drain = %d, want 1", ctx.Roles.CommittedEpoch())
	}
}
