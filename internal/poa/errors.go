package poa

import "github.com/cockroachdb/errors"

// Sentinel error kinds from the error handling design (spec §7). Wrapped
// with cockroachdb/errors so callers outside this package can match them
// with errors.Is rather than string comparison, following the same
// fmt.Errorf("...: %w", err) wrapping idiom used elsewhere in this
// codebase but with a proper sentinel set.
var (
	ErrUnauthorizedOperator = errors.New("poa: unauthorized operator")
	ErrReplayedOrStale      = errors.New("poa: replayed or stale sequence")
	ErrBadSignature         = errors.New("poa: bad signature")
	ErrUnknownState         = errors.New("poa: unknown proposed state")
	ErrRateLimited          = errors.New("poa: sender rate-limited after prior violation")
)
