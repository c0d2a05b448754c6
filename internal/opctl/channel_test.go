package opctl

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft"
	"github.com/clemsix6/control-fabric/internal/poa"
	"github.com/clemsix6/control-fabric/internal/wire"
)

func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// signCommitToken mirrors internal/poa's private canonicalCommitPayload
// (stateHash || sequence, little-endian), since opctl signs tokens from
// the operator side and has no access to poa's internals.
func signCommitToken(priv ed25519.PrivateKey, stateHash [32]byte, sequence uint64) [64]byte {
	buf := make([]byte, 40)
	copy(buf[:32], stateHash[:])
	binary.LittleEndian.PutUint64(buf[32:], sequence)
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, buf))
	return sig
}

func newTestChannel(t *testing.T, gate *poa.Gate) *Channel {
	t.Helper()
	ch, err := New(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0"}, gate)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := ch.Start(); err != nil {
		t.Fatalf("start channel: %v", err)
	}
	return ch
}

func TestChannelStartClose(t *testing.T) {
	gate := poa.NewGate(nil)
	ch := newTestChannel(t, gate)
	if ch.Addr() == "" {
		t.Fatalf("expected bound address")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close channel: %v", err)
	}
}

func TestProposedStateThenCommitTokenApplied(t *testing.T) {
	operatorKey := generateTestKey(t)
	var verifyKey [32]byte
	copy(verifyKey[:], operatorKey.Public().(ed25519.PublicKey))

	gate := poa.NewGate([][32]byte{verifyKey})
	roles := llft.NewStateMachine(1, 3)
	ch := newTestChannel(t, gate)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	x := []fixedpoint.Scalar{fixedpoint.FromFloat(0.25)}
	stateHash := [32]byte{0xAA}

	propFrame := wire.EncodeProposedState(&wire.ProposedStateFrame{Cycle: 1, X: x, StateHash: stateHash})
	ack, err := Submit(ctx, ch.Addr(), operatorKey, propFrame)
	if err != nil {
		t.Fatalf("submit proposed state: %v", err)
	}
	if ack != ackAccepted {
		t.Fatalf("proposed state ack = %#x, want accepted", ack)
	}

	sig := signCommitToken(operatorKey, stateHash, 1)
	commitFrame := wire.EncodeCommitToken(&wire.CommitTokenFrame{
		StateHash: stateHash,
		Sequence:  1,
		VerifyKey: verifyKey,
		Signature: sig,
	})
	ack, err = Submit(ctx, ch.Addr(), operatorKey, commitFrame)
	if err != nil {
		t.Fatalf("submit commit token: %v", err)
	}
	if ack != ackAccepted {
		t.Fatalf("commit token ack = %#x, want accepted", ack)
	}

	// A verified commit is queued, not applied, until something drains
	// it at a cycle boundary; the channel itself never calls Drain.
	if got := gate.CommittedEpoch(); got != 0 {
		t.Fatalf("committed epoch before drain = %d, want 0", got)
	}

	applied := gate.Drain()
	if len(applied) != 1 || applied[0].Epoch != 1 {
		t.Fatalf("drain = %+v, want one AppliedCommit at epoch 1", applied)
	}
	roles.SetCommittedEpoch(applied[0].Epoch)

	if got := gate.CommittedEpoch(); got != 1 {
		t.Fatalf("committed epoch after drain = %d, want 1", got)
	}
	if got := roles.CommittedEpoch(); got != 1 {
		t.Fatalf("roles committed epoch = %d, want 1", got)
	}
}

func TestUnauthorizedCommitTokenRejected(t *testing.T) {
	operatorKey := generateTestKey(t)
	gate := poa.NewGate(nil) // nobody authorized
	ch := newTestChannel(t, gate)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var verifyKey [32]byte
	copy(verifyKey[:], operatorKey.Public().(ed25519.PublicKey))
	stateHash := [32]byte{0xBB}
	sig := signCommitToken(operatorKey, stateHash, 1)

	frame := wire.EncodeCommitToken(&wire.CommitTokenFrame{StateHash: stateHash, Sequence: 1, VerifyKey: verifyKey, Signature: sig})
	ack, err := Submit(ctx, ch.Addr(), operatorKey, frame)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack != ackRejected {
		t.Fatalf("ack = %#x, want rejected", ack)
	}
	if got := gate.CommittedEpoch(); got != 0 {
		t.Fatalf("committed epoch = %d, want 0", got)
	}
}
