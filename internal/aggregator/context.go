// Package aggregator implements the Aggregator's single-threaded cycle
// event loop from spec §5: a goroutine that selects over one
// *net.UDPConn and a cycle-open ticker, dispatching TaskFrames, collecting
// ResultFrames into the coded-computing decoder, driving LLFT role
// transitions, and applying PoA commits at cycle boundaries.
package aggregator

import (
	"sync"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft"
	"github.com/clemsix6/control-fabric/internal/poa"
)

// Context is the explicit, non-singleton value every aggregator
// operation threads through: the authorized-key set (via poa.Gate),
// committed_epoch and role (via llft.StateMachine), worker roster, and
// metrics sink. No package-level mutable state exists anywhere in this
// package.
type Context struct {
	mu sync.RWMutex

	NodeID uint64

	Gate  *poa.Gate
	Roles *llft.StateMachine

	M [][]fixedpoint.Scalar // control matrix, row-major, m rows x n cols
	X []fixedpoint.Scalar   // current state vector, length n
	K int                   // target coded block count

	Roster *WorkerRoster

	Metrics *Metrics

	Degradation *coding.DegradationController
}

// NewContext builds an AggregatorContext from its constituent parts.
// Every exported constructor in this package takes or builds a Context;
// there is no implicit global state to fall back on.
func NewContext(nodeID uint64, gate *poa.Gate, roles *llft.StateMachine, matrix [][]fixedpoint.Scalar, x []fixedpoint.Scalar, k int) *Context {
	return &Context{
		NodeID:      nodeID,
		Gate:        gate,
		Roles:       roles,
		M:           matrix,
		X:           x,
		K:           k,
		Roster:      NewWorkerRoster(),
		Metrics:     NewMetrics(),
		Degradation: coding.NewDegradationController(),
	}
}

// Matrix returns the current control matrix under the read lock.
func (c *Context) Matrix() [][]fixedpoint.Scalar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.M
}

// State returns the current state vector under the read lock.
func (c *Context) State() []fixedpoint.Scalar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.X
}

// ApplyCommittedState swaps in a new (M, x, K) atomically. The Loop calls
// it only at a cycle boundary: when a drained CommitToken installs its
// state, and when a decoded cycle's y becomes the next x.
func (c *Context) ApplyCommittedState(matrix [][]fixedpoint.Scalar, x []fixedpoint.Scalar, k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.M = matrix
	c.X = x
	c.K = k
}
