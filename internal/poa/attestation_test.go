package poa

import (
	"testing"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

func sampleCycleResult() []fixedpoint.Scalar {
	return []fixedpoint.Scalar{
		fixedpoint.FromFloat(0.5),
		fixedpoint.FromFloat(-0.25),
		fixedpoint.MaxValue,
	}
}

func TestAggregateCycleAttestationsVerifies(t *testing.T) {
	y := sampleCycleResult()

	var keys []*CycleAttestationKeyPair
	var pubKeys [][]byte
	var sigs [][]byte
	for i := byte(0); i < 3; i++ {
		seed := [32]byte{i + 1}
		key, err := NewCycleAttestationKey(seed)
		if err != nil {
			t.Fatalf("NewCycleAttestationKey: %v", err)
		}
		keys = append(keys, key)
		pubKeys = append(pubKeys, key.PublicKeyBytes())
		sigs = append(sigs, key.SignCycleResult(7, y))
	}

	agg, err := AggregateCycleAttestations(sigs)
	if err != nil {
		t.Fatalf("AggregateCycleAttestations: %v", err)
	}

	if !VerifyAggregatedCycleAttestation(agg, 7, y, pubKeys) {
		t.Fatal("expected aggregated attestation to verify")
	}
}

func TestVerifyAggregatedCycleAttestationRejectsWrongCycle(t *testing.T) {
	y := sampleCycleResult()

	seed := [32]byte{0xAB}
	key, err := NewCycleAttestationKey(seed)
	if err != nil {
		t.Fatalf("NewCycleAttestationKey: %v", err)
	}
	sig := key.SignCycleResult(7, y)

	if VerifyAggregatedCycleAttestation(sig, 8, y, [][]byte{key.PublicKeyBytes()}) {
		t.Fatal("expected attestation signed over a different cycle to be rejected")
	}
}

func TestAggregateCycleAttestationsRejectsEmpty(t *testing.T) {
	if _, err := AggregateCycleAttestations(nil); err == nil {
		t.Fatal("expected error aggregating zero attestations")
	}
}
