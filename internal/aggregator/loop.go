package aggregator

import (
	"net"
	"sync"
	"time"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft"
	"github.com/clemsix6/control-fabric/internal/llft/orderedbuffer"
	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/poa"
	"github.com/clemsix6/control-fabric/internal/status"
	"github.com/clemsix6/control-fabric/internal/wire"
)

// datagram is one inbound UDP read, shuttled from the reader goroutine
// to the event loop over a channel, net.UDPConn.ReadFromUDP blocks, so
// a select over "socket readable or ticker fired" needs a goroutine
// feeding a channel rather than selecting on the fd directly (spec §5,
// Design Notes §9 "the idiomatic Go rendering of a single-threaded
// cooperative event loop").
type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// Loop is the aggregator's single-threaded cycle event loop: one
// goroutine selecting over a UDP socket and a cycle-open ticker. All
// mutation of Context and CycleState happens on this goroutine. The LLFT
// state machine is also driven from the heartbeat Monitor's own goroutine
// (onHeartbeatTick); llft.StateMachine guards its fields with its own mutex.
type Loop struct {
	conn   *net.UDPConn
	ctx    *Context
	period time.Duration
	budget time.Duration

	heartbeats *llft.Monitor
	degraded   coding.Degraded

	resultBuffers map[string]*orderedbuffer.Buffer // worker addr -> ordered-delivery window
	prev          *CycleState                      // previous cycle, retained for exactly one more cycle (spec §3)

	attestationKey  *poa.CycleAttestationKeyPair
	lastAttestation []byte

	snapMu sync.RWMutex
	snap   Status

	stop chan struct{}
	done chan struct{}
}

// WithAttestationKey enables signing each decoded cycle result with a BLS
// attestation, so an operator can later aggregate this node's signature
// with other observers' via poa.AggregateCycleAttestations. Optional: a
// Loop with no key just skips the attestation step in closeCycle.
func (l *Loop) WithAttestationKey(key *poa.CycleAttestationKeyPair) *Loop {
	l.attestationKey = key
	return l
}

// LastAttestation returns the BLS signature produced for the most
// recently decoded cycle, or nil if attestation is disabled or no cycle
// has decoded yet. Safe to call concurrently with Run.
func (l *Loop) LastAttestation() []byte {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.lastAttestation
}

// Status is a point-in-time snapshot of the loop's last closed cycle,
// exposed to internal/status for the JSON status endpoint.
type Status struct {
	Cycle             uint64
	Role              string
	CommittedEpoch    uint64
	LastDecoded       bool
	DecoderRank       int
	ConsecutiveMisses int
	WorkerCount       int
}

// Snapshot returns the most recently recorded Status. Safe to call
// concurrently with Run.
func (l *Loop) Snapshot() Status {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snap
}

// StatusAdapter satisfies internal/status.StatusProvider for a Loop,
// without internal/status needing to import internal/aggregator (Loop's
// own Snapshot method returns this package's Status, not status.Snapshot).
type StatusAdapter struct {
	Loop *Loop
}

// Snapshot implements internal/status.StatusProvider.
func (a StatusAdapter) Snapshot() status.Snapshot {
	s := a.Loop.Snapshot()
	return status.Snapshot{
		Cycle:             s.Cycle,
		Role:              s.Role,
		CommittedEpoch:    s.CommittedEpoch,
		LastDecoded:       s.LastDecoded,
		DecoderRank:       s.DecoderRank,
		ConsecutiveMisses: s.ConsecutiveMisses,
		WorkerCount:       s.WorkerCount,
	}
}

// NewLoop creates a Loop bound to conn, driven by the given cycle
// period. budget is B_cpu, the per-cycle compute budget from spec §5
// (B_cpu <= 0.3*T_cycle is the caller's responsibility to choose).
func NewLoop(conn *net.UDPConn, ctx *Context, period, budget time.Duration) *Loop {
	return &Loop{
		conn:          conn,
		ctx:           ctx,
		period:        period,
		budget:        budget,
		heartbeats:    llft.NewMonitor(period),
		degraded:      coding.Degraded{DeadlineMultiplier: 1, BlockCountFactor: 1},
		resultBuffers: make(map[string]*orderedbuffer.Buffer),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run blocks, driving cycles until Stop is called. A fresh CycleState is
// opened on every tick; ResultFrames, heartbeats, claims, and commit
// tokens are dispatched to their handlers as they arrive.
func (l *Loop) Run() {
	defer close(l.done)

	incoming := make(chan datagram, 256)
	go l.readLoop(incoming)

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	l.heartbeats.Start(l.onHeartbeatTick)
	defer l.heartbeats.Stop()

	var cycleNum uint64
	var cur *CycleState

	for {
		select {
		case <-l.stop:
			return

		case <-ticker.C:
			if cur != nil {
				l.closeCycle(cur)
			}
			ticker.Reset(l.degradedPeriod())
			cycleNum++
			l.ctx.Roles.AdvanceCycle(cycleNum)
			l.prev = cur // retained one further cycle for late-arrival accounting, spec §3
			cur = NewCycleState(cycleNum, len(l.ctx.Matrix()), time.Now().Add(l.degradedPeriod()))
			l.openCycle(cur)

		case dg := <-incoming:
			if cur == nil {
				continue
			}
			l.handleDatagram(cur, dg)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) readLoop(out chan<- datagram) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				logger.Warn("aggregator: udp read error", "error", err)
				return
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- datagram{data: cp, addr: addr}:
		case <-l.stop:
			return
		}
	}
}

// openCycle is only meaningful for a Primary: dispatch a fresh set of
// TaskFrames. A Backup/Candidate just tracks cycles via heartbeats.
func (l *Loop) openCycle(cur *CycleState) {
	if l.ctx.Roles.Role() != llft.RolePrimary {
		return
	}
	k := l.effectiveBlockCount()
	if err := DispatchTasks(l.conn, cur, l.ctx.Roster, l.ctx.State(), k); err != nil {
		logger.Warn("aggregator: dispatch tasks failed", "cycle", cur.Cycle, "error", err)
	}
}

// degradedPeriod widens T_cycle by the degradation controller's current
// DeadlineMultiplier (spec §4.2 "double the cycle deadline").
func (l *Loop) degradedPeriod() time.Duration {
	mult := l.degraded.DeadlineMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(l.period) * mult)
}

// effectiveBlockCount applies the degradation controller's current
// BlockCountFactor (spec §4.2 "reduce the target block count") to the
// configured K, falling back to m when no K override is configured.
func (l *Loop) effectiveBlockCount() int {
	m := len(l.ctx.Matrix())
	k := l.ctx.K
	if k <= 0 {
		k = m
	}
	return int(float64(k) * l.degraded.BlockCountFactor)
}

// closeCycle attempts to decode the outgoing cycle, records the outcome
// with the degradation controller, and reports metrics.
func (l *Loop) closeCycle(cur *CycleState) {
	// Commits enqueued during this cycle are applied at this boundary
	// regardless of whether the cycle itself decoded, so a Halt or
	// reconfiguration commit still lands even through an undecodable
	// run (spec §4.4 "Application").
	defer l.applyPendingCommits()

	start := time.Now()
	y, ok := cur.Decoder.TryDecode()
	l.ctx.Metrics.ObserveDecode(time.Since(start))

	l.degraded = l.ctx.Degradation.RecordOutcome(ok)
	l.ctx.Metrics.UndecodableRun.Set(float64(l.ctx.Degradation.ConsecutiveMisses()))

	l.snapMu.Lock()
	l.snap = Status{
		Cycle:             cur.Cycle,
		Role:              l.ctx.Roles.Role().String(),
		CommittedEpoch:    l.ctx.Roles.CommittedEpoch(),
		LastDecoded:       ok,
		DecoderRank:       cur.Decoder.Rank(),
		ConsecutiveMisses: l.ctx.Degradation.ConsecutiveMisses(),
		WorkerCount:       l.ctx.Roster.Len(),
	}
	l.snapMu.Unlock()

	if !ok {
		logger.WithCycle(cur.Cycle, l.ctx.Roles.Role().String()).Warn("cycle undecodable",
			"rank", cur.Decoder.Rank(), "consecutive_misses", l.ctx.Degradation.ConsecutiveMisses())
		if l.degraded.RequestBackupAssist {
			logger.Warn("aggregator: requesting backup assist", "cycle", cur.Cycle)
		}
		if l.degraded.Halt {
			logger.Error("aggregator: halt threshold reached, operator intervention required", "cycle", cur.Cycle)
		}
		return
	}

	l.ctx.ApplyCommittedState(l.ctx.Matrix(), y, l.ctx.K)

	if l.attestationKey != nil {
		sig := l.attestationKey.SignCycleResult(cur.Cycle, y)
		l.snapMu.Lock()
		l.lastAttestation = sig
		l.snapMu.Unlock()
	}

	total := time.Since(start)
	l.ctx.Metrics.ObserveCycle(total, l.budget)
	if total > l.budget {
		logger.CycleDeadlineMissed(cur.Cycle, l.budget, total)
	}
}

// applyPendingCommits drains every CommitToken verified since the last
// cycle boundary and installs each one's authorized state into Context,
// so a mid-cycle commit never invalidates TaskFrames already in flight
// against the state that was active when they were dispatched (spec
// §4.4 "Application"). Called from closeCycle, never from
// handleDatagram directly.
func (l *Loop) applyPendingCommits() {
	for _, commit := range l.ctx.Gate.Drain() {
		l.ctx.Roles.SetCommittedEpoch(commit.Epoch)

		x, err := fixedpoint.DecodeVec(commit.State.X)
		if err != nil {
			logger.Error("aggregator: committed state vector undecodable, epoch advanced without state swap",
				"epoch", commit.Epoch, "error", err)
			continue
		}
		l.ctx.ApplyCommittedState(l.ctx.Matrix(), x, l.ctx.K)
		logger.WithCycle(l.ctx.Roles.Cycle(), l.ctx.Roles.Role().String()).Info("aggregator: committed state applied",
			"epoch", commit.Epoch)
	}
}

func (l *Loop) onHeartbeatTick() {
	switch l.ctx.Roles.Role() {
	case llft.RolePrimary:
		frame := &wire.HeartbeatFrame{
			Cycle:          l.ctx.Roles.Cycle(),
			CommittedEpoch: l.ctx.Roles.CommittedEpoch(),
			Role:           wire.RolePrimary,
			SenderID:       l.ctx.NodeID,
		}
		l.broadcastHeartbeat(frame)
	case llft.RoleBackup:
		if claim, ok := l.ctx.Roles.OnMissedHeartbeat(); ok {
			l.broadcastClaim(claim)
		}
	case llft.RoleCandidate:
		l.ctx.Roles.PromoteIfUncontested()
	}
}

func (l *Loop) broadcastHeartbeat(f *wire.HeartbeatFrame) {
	data := wire.EncodeHeartbeat(f)
	for _, w := range l.ctx.Roster.All() {
		if w.Addr != nil {
			l.conn.WriteToUDP(data, w.Addr)
		}
	}
}

func (l *Loop) broadcastClaim(claim llft.ClaimTuple) {
	f := &wire.ClaimPrimaryFrame{Cycle: claim.Cycle, CommittedEpoch: claim.CommittedEpoch, NodeID: claim.NodeID}
	data := wire.EncodeClaimPrimary(f)
	for _, w := range l.ctx.Roster.All() {
		if w.Addr != nil {
			l.conn.WriteToUDP(data, w.Addr)
		}
	}
}

func (l *Loop) handleDatagram(cur *CycleState, dg datagram) {
	typ, err := wire.TypeOf(dg.data)
	if err != nil {
		return
	}

	switch typ {
	case wire.TypeResult:
		f, err := wire.DecodeResult(dg.data)
		if err != nil {
			return
		}

		switch {
		case f.Cycle+1 == cur.Cycle && l.prev != nil && l.prev.Cycle == f.Cycle:
			// cycle == current_cycle - 1: recorded for post-hoc metrics,
			// never decoded (spec §3 invariant). l.prev is only ever the
			// one cycle immediately before cur, so this is the full
			// one-cycle-lag retention window; anything older already
			// fell outside it.
			l.ctx.Metrics.LateArrival.Inc()
			l.prev.RecordLateArrival(f.BlockID, f.Seed)
			return

		case f.Cycle != cur.Cycle:
			return // belongs to a future or long-abandoned cycle; spec §5 cancellation rule

		default:
			key := dg.addr.String()
			buf := l.resultBuffers[key]
			if buf == nil {
				buf = orderedbuffer.New(orderedbuffer.DefaultWindow)
				l.resultBuffers[key] = buf
			}
			delivered, err := buf.Offer(f.Cycle, f.SequenceWithinCycle, dg.data)
			if err != nil {
				l.ctx.Metrics.FrameOutOfWindow.Inc()
				return
			}
			for _, payload := range delivered {
				rf, derr := wire.DecodeResult(payload)
				if derr != nil {
					continue
				}
				cur.OfferResult(rf.BlockID, rf.Seed, rf.YBlock, rf.Saturated)
			}
		}

	case wire.TypeHeartbeat:
		f, err := wire.DecodeHeartbeat(dg.data)
		if err != nil {
			return
		}
		l.ctx.Roles.OnHeartbeat(f.Cycle, f.CommittedEpoch)

	case wire.TypeClaimPrimary:
		f, err := wire.DecodeClaimPrimary(dg.data)
		if err != nil {
			return
		}
		claim := llft.ClaimTuple{CommittedEpoch: f.CommittedEpoch, Cycle: f.Cycle, NodeID: f.NodeID}
		l.ctx.Roles.OnClaimPrimary(claim)

	case wire.TypeCommitToken:
		f, err := wire.DecodeCommitToken(dg.data)
		if err != nil {
			return
		}
		if verr := l.ctx.Gate.Verify(f); verr != nil {
			logger.Warn("aggregator: commit token rejected", "reason", verr)
			return
		}
		// Not applied here: a mid-cycle state swap would invalidate
		// TaskFrames already dispatched against the state active when
		// they went out, causing silent corruption once their
		// ResultFrames decode against the new M, x. Queued instead;
		// applyPendingCommits drains it at the next closeCycle (spec
		// §4.4 "Application").
		l.ctx.Gate.Enqueue(f)

	case wire.TypeProposedState:
		f, err := wire.DecodeProposedState(dg.data)
		if err != nil {
			return
		}
		l.ctx.Gate.RecordProposedState(f)

	case wire.TypeResync:
		// Only meaningful to a Backup mirroring a Primary; the Primary
		// never consumes its own ResyncFrame. See internal/llft.ShadowState.
	}
}
