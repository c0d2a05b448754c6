// Package worker implements the Worker side of the control fabric: a
// request/response compute loop that receives a TaskFrame, regenerates
// the coded block's selector, evaluates it against the matrix it was
// bootstrapped with, and replies with a ResultFrame (spec §4.2, §5
// "Workers may be single-threaded or parallel threads internally; their
// externally observable model is request/response").
//
// Grounded on original_source/worker/worker.py's
// datagram_received -> process_task -> sendto shape, translated from
// asyncio callbacks to a blocking read loop with one goroutine per
// in-flight task (Go's analogue of "asyncio.create_task").
package worker

import (
	"math/rand"
	"net"
	"time"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft/orderedbuffer"
	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/wire"
)

// SimConfig adds artificial jitter/drop knobs on top of the base worker,
// used only by test harnesses exercising
// straggler tolerance (seed scenario 2), never constructed in a
// production cmd/worker invocation without explicit -sim-* flags.
type SimConfig struct {
	JitterMin, JitterMax time.Duration
	DropProbability      float64
}

// Worker holds the bootstrap matrix and responds to TaskFrames as they
// arrive.
type Worker struct {
	id     uint64
	conn   *net.UDPConn
	matrix [][]fixedpoint.Scalar

	tasks *orderedbuffer.Buffer

	sim SimConfig
}

// New creates a Worker bound to conn, bootstrapped with the control
// matrix it will evaluate coded blocks against. A Worker only ever
// takes TaskFrames from its current Primary, so one ordered-delivery
// buffer per Worker (rather than per remote address) is enough to
// enforce spec §4.3's window.
func New(id uint64, conn *net.UDPConn, matrix [][]fixedpoint.Scalar) *Worker {
	return &Worker{id: id, conn: conn, matrix: matrix, tasks: orderedbuffer.New(orderedbuffer.DefaultWindow)}
}

// WithSimConfig attaches jitter/drop simulation, mirroring the original
// reference worker's constructor arguments as a supplemented feature.
func (w *Worker) WithSimConfig(sim SimConfig) *Worker {
	w.sim = sim
	return w
}

// Run blocks, reading TaskFrames off conn and replying with
// ResultFrames. Each task is handled on its own goroutine so one
// worker's jitter never blocks another's task (spec §5, "Workers...
// parallel threads internally").
func (w *Worker) Run(stop <-chan struct{}) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logger.Warn("worker: udp read error", "error", err)
				return
			}
		}

		typ, terr := wire.TypeOf(buf[:n])
		if terr != nil || typ != wire.TypeTask {
			continue
		}

		frame, derr := wire.DecodeTask(buf[:n])
		if derr != nil {
			continue
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])
		delivered, err := w.tasks.Offer(frame.Cycle, frame.SequenceWithinCycle, cp)
		if err != nil {
			logger.Warn("worker: task frame out of window", "cycle", frame.Cycle,
				"sequence", frame.SequenceWithinCycle, "error", err)
			continue
		}
		for _, payload := range delivered {
			f, derr := wire.DecodeTask(payload)
			if derr != nil {
				continue
			}
			go w.handleTask(f, addr)
		}
	}
}

func (w *Worker) handleTask(f *wire.TaskFrame, addr *net.UDPAddr) {
	if w.sim.DropProbability > 0 && rand.Float64() < w.sim.DropProbability {
		return // simulated packet loss/crash, original_source/worker/worker.py
	}

	if w.sim.JitterMax > 0 {
		jitter := w.sim.JitterMin
		if w.sim.JitterMax > w.sim.JitterMin {
			jitter += time.Duration(rand.Int63n(int64(w.sim.JitterMax - w.sim.JitterMin)))
		}
		time.Sleep(jitter)
	}

	y, saturated, err := coding.EvaluateBlock(w.matrix, f.Cycle, f.BlockID, f.X)
	if err != nil {
		logger.Warn("worker: evaluate block failed", "cycle", f.Cycle, "block_id", f.BlockID, "error", err)
		return
	}

	result := &wire.ResultFrame{
		Cycle:               f.Cycle,
		BlockID:             f.BlockID,
		Seed:                f.Seed,
		SequenceWithinCycle: f.SequenceWithinCycle,
		YBlock:              y,
		Saturated:           saturated,
	}
	w.conn.WriteToUDP(wire.EncodeResult(result), addr)
}
