// Package coding implements the rateless coded-computing protocol from
// spec §4.2: block-seed derivation, worker-side row-combine-then-dot
// evaluation, and the primary's rank-tracking decoder.
//
// Seed-to-coefficient derivation mirrors the deterministic hashing used
// for object-to-holder assignment in
// internal/aggregation/rendezvous.go (BLAKE3 over a fixed-order
// concatenation of identifying fields), generalized from "pick a holder"
// to "pick a coefficient vector."
package coding

import (
	"encoding/binary"
	"math/bits"

	"github.com/zeebo/blake3"
)

// seedDerivationKey domain-separates the block-seed hash from every other
// use of BLAKE3 in this module (divergence hashing, state hashing). It is
// a fixed public constant, not a secret: every worker must be able to
// regenerate w_k from (cycle, block_id) alone (spec §4.2, "the worker
// never needs w_k explicitly because it regenerates it from (c, k)").
var seedDerivationKey = func() [32]byte {
	var key [32]byte
	h := blake3.Sum256([]byte("control-fabric/coded-block-seed/v1"))
	copy(key[:], h[:])
	return key
}()

// DeriveSeed computes seed_k = H(c || k) for the fixed keyed hash in
// spec §4.2.
func DeriveSeed(cycle uint64, blockID uint32) uint64 {
	keyed, err := blake3.NewKeyed(seedDerivationKey[:])
	if err != nil {
		// seedDerivationKey is always exactly 32 bytes; NewKeyed only
		// fails on key length, so this is unreachable.
		panic("coding: invalid seed derivation key: " + err.Error())
	}

	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], cycle)
	binary.LittleEndian.PutUint32(buf[8:12], blockID)
	keyed.Write(buf[:])

	var digest [8]byte
	keyed.Digest().Read(digest[:])

	return binary.LittleEndian.Uint64(digest[:])
}

// Selector regenerates w_k ∈ {0,1}^m from seed_k, following an
// LT-style degree distribution with expected density d = Θ(ln(m)/m)
// (spec §4.2, §9 "Fountain code choice"). The selection is guaranteed
// non-empty: an all-zero draw falls back to selecting row 0, since an
// empty selector would contribute a zero row that carries no rank.
func Selector(seedK uint64, m int) []bool {
	if m <= 0 {
		return nil
	}

	threshold := densityThreshold(m)

	stream := streamFromSeed(seedK, m)
	w := make([]bool, m)
	any := false
	for i := 0; i < m; i++ {
		if stream[i] < threshold {
			w[i] = true
			any = true
		}
	}

	if !any {
		w[0] = true
	}

	return w
}

// densityThreshold returns a 0-255 byte threshold approximating
// 256*ln(m)/m, using only integer arithmetic (bits.Len for log2) so every
// node computes the identical threshold regardless of floating-point
// transcendental-function divergence across hardware, the same
// determinism concern the fixed-point engine's own "why determinism"
// note raises for the decode path this selector feeds.
func densityThreshold(m int) byte {
	if m <= 1 {
		return 255
	}

	log2m := bits.Len(uint(m - 1)) // floor(log2(m-1)) + 1 ~= ceil(log2(m))
	// ln(m) ~= log2(m) * ln(2); ln(2) ~= 693/1000.
	numerator := 256 * 693 * log2m
	denominator := 1000 * m

	t := numerator / denominator
	if t <= 0 {
		return 1
	}
	if t > 255 {
		return 255
	}
	return byte(t)
}

// streamFromSeed derives m pseudorandom bytes from seedK via a keyed
// BLAKE3 extendable-output stream, one byte per candidate row.
func streamFromSeed(seedK uint64, m int) []byte {
	keyed, err := blake3.NewKeyed(seedDerivationKey[:])
	if err != nil {
		panic("coding: invalid seed derivation key: " + err.Error())
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seedK)
	keyed.Write(buf[:])

	out := make([]byte, m)
	keyed.Digest().Read(out)
	return out
}
