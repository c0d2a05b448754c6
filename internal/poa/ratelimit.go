package poa

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unauthorizedRateLimitCycles is the "10 cycles" window from spec §7's
// UnauthorizedOperator policy: "Reject, log, rate-limit sender for 10
// cycles."
const unauthorizedRateLimitCycles = 10

// SenderLimiter rate-limits a per-key-hash sender for a fixed number of
// cycles after an UnauthorizedOperator rejection, mirroring the
// per-command token-bucket limiters in x3pi-mtn-consensus's
// pkg/network/handler.go, keyed here by verify_key instead of by command
// name.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[[32]byte]*rate.Limiter
	cycleDur time.Duration
}

// NewSenderLimiter creates a limiter whose windows are sized in units of
// one control cycle.
func NewSenderLimiter(cycleDur time.Duration) *SenderLimiter {
	return &SenderLimiter{
		limiters: make(map[[32]byte]*rate.Limiter),
		cycleDur: cycleDur,
	}
}

// Penalize starts (or restarts) a 10-cycle rate-limit window for the
// given key, following an UnauthorizedOperator rejection.
func (s *SenderLimiter) Penalize(verifyKey [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Duration(unauthorizedRateLimitCycles) * s.cycleDur
	// One token total, refilled once the whole window has elapsed.
	// The sender gets exactly one more attempt after 10 cycles, not a
	// steady trickle.
	lim := rate.NewLimiter(rate.Every(window), 1)
	lim.Allow() // consume the initial token so the very next Allow blocks
	s.limiters[verifyKey] = lim
}

// Allowed reports whether the given key is currently outside any active
// penalty window.
func (s *SenderLimiter) Allowed(verifyKey [32]byte) bool {
	s.mu.Lock()
	lim, ok := s.limiters[verifyKey]
	s.mu.Unlock()

	if !ok {
		return true
	}
	return lim.Allow()
}
