package poa

import (
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

// attestationDST is the domain separation tag for the optional
// cycle-attestation BLS signatures, mirroring the blsDST constant
// pattern from BLS-based aggregate signing but scoped to this protocol
// so a cross-domain signature cannot be replayed as a valid attestation.
var attestationDST = []byte("control-fabric-cycle-attestation-v1")

// CycleAttestationKeyPair is a BLS key pair used only for the optional,
// non-mandatory cycle-attestation artifact over decoded results. It is
// never a substitute for the Ed25519 PoA signature over CommitTokens
// (spec §4.4); see DESIGN.md for why blst is wired here instead.
type CycleAttestationKeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// NewCycleAttestationKey derives a deterministic BLS key from a 32-byte
// seed, following DeriveFromED25519's derive-from-seed pattern in
// internal/aggregation/bls.go.
func NewCycleAttestationKey(seed [32]byte) (*CycleAttestationKeyPair, error) {
	secret := blst.KeyGen(seed[:])
	if secret == nil {
		return nil, fmt.Errorf("poa: failed to derive cycle attestation key")
	}
	return &CycleAttestationKeyPair{secret: secret, public: new(blst.P1Affine).From(secret)}, nil
}

// PublicKeyBytes returns the compressed public key bytes (48 bytes).
func (k *CycleAttestationKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// SignCycleResult signs canonical(cycle || y), the decoded result for
// one cycle, as an observer's attestation that it independently
// computed the same y.
func (k *CycleAttestationKeyPair) SignCycleResult(cycle uint64, y []fixedpoint.Scalar) []byte {
	msg := canonicalCycleResult(cycle, y)
	return new(blst.P2Affine).Sign(k.secret, msg, attestationDST).Compress()
}

// VerifyAggregatedCycleAttestation checks an aggregated BLS signature from
// a quorum of observers against the same (cycle, y), following
// VerifyAggregated in internal/aggregation/bls.go.
func VerifyAggregatedCycleAttestation(signature []byte, cycle uint64, y []fixedpoint.Scalar, observerKeys [][]byte) bool {
	if len(signature) != 96 || len(observerKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(observerKeys))
	for i, pkBytes := range observerKeys {
		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}
		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	msg := canonicalCycleResult(cycle, y)
	return sig.Verify(true, aggPk.ToAffine(), true, msg, attestationDST)
}

// AggregateCycleAttestations combines per-observer signatures over the
// same cycle result, following AggregateSignatures in
// internal/aggregation/bls.go.
func AggregateCycleAttestations(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("poa: no cycle attestations to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))
	for i, sigBytes := range signatures {
		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("poa: invalid cycle attestation at index %d", i)
		}
		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("poa: cycle attestation aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// canonicalCycleResult builds the message observers sign: the 32-byte
// blake3 digest of cycle (8 bytes LE) followed by y's encoded scalars,
// rather than the raw vector, so the signed payload has a fixed size
// regardless of m.
func canonicalCycleResult(cycle uint64, y []fixedpoint.Scalar) []byte {
	h := blake3.New()

	var cycleBuf [8]byte
	binary.LittleEndian.PutUint64(cycleBuf[:], cycle)
	h.Write(cycleBuf[:])

	for _, s := range y {
		b := fixedpoint.Encode(s)
		h.Write(b[:])
	}

	var digest [32]byte
	h.Sum(digest[:0])
	return digest[:]
}
