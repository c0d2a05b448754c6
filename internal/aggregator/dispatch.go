package aggregator

import (
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/wire"
)

// DispatchTasks sends one TaskFrame per coded block to the roster,
// round-robin across available workers, and records each dispatched
// (block_id, seed) pair into the cycle state for later ResultFrame
// validation (spec §4.2 "each worker computes y_k... and returns
// (c, k, y_k)"). Each TaskFrame carries a sequence_within_cycle counted
// per destination worker, not per block, since the ordered-delivery
// window (spec §4.3) is scoped to one sender-receiver stream and a
// worker only ever sees the subset of blocks round-robined to it. The K
// sends fan out concurrently via errgroup since a single slow
// conn.WriteToUDP (e.g. a full socket buffer to one worker) should not
// delay dispatch to the rest of the roster.
func DispatchTasks(conn *net.UDPConn, cycle *CycleState, roster *WorkerRoster, x []fixedpoint.Scalar, k int) error {
	workers := roster.All()
	if len(workers) == 0 {
		return nil // no workers registered yet; caller decides how to treat a dry cycle
	}

	var g errgroup.Group
	seqs := make(map[uint64]uint64, len(workers)) // worker_id -> next sequence_within_cycle
	for b := 0; b < k; b++ {
		b := b
		seed := coding.DeriveSeed(cycle.Cycle, uint32(b))
		worker := workers[b%len(workers)]
		cycle.ExpectBlock(uint32(b), seed)
		if worker.Addr == nil {
			continue
		}

		seq := seqs[worker.WorkerID]
		seqs[worker.WorkerID] = seq + 1

		frame := &wire.TaskFrame{
			Cycle:               cycle.Cycle,
			BlockID:             uint32(b),
			Seed:                seed,
			SequenceWithinCycle: seq,
			X:                   x,
		}
		data := wire.EncodeTask(frame)
		addr := worker.Addr

		g.Go(func() error {
			_, err := conn.WriteToUDP(data, addr)
			return err
		})
	}

	return g.Wait()
}
