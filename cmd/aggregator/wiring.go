package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/clemsix6/control-fabric/internal/aggregator"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/llft"
	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/opctl"
	"github.com/clemsix6/control-fabric/internal/poa"
	"github.com/clemsix6/control-fabric/internal/status"
)

// Aggregator wires every component a running aggregator node needs:
// the UDP cycle loop, the operator control channel, and the status
// endpoint, all sharing one Context/Gate/StateMachine.
type Aggregator struct {
	cfg *Config
	ctx *aggregator.Context

	conn *net.UDPConn
	loop *aggregator.Loop

	opctlChannel *opctl.Channel
	statusServer *status.Server
}

// NewAggregator builds and binds every listener, but does not start the
// event loop yet; call Run for that.
func NewAggregator(cfg *Config) (*Aggregator, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	matrix := identityMatrix(cfg.MatrixSize)
	x := make([]fixedpoint.Scalar, cfg.MatrixSize)

	gate := poa.NewGate(cfg.AuthorizedOperators).WithRateLimiter(cfg.CyclePeriod)
	roles := llft.NewStateMachine(cfg.NodeID, cfg.MissedHeartbeatThreshold)
	ctx := aggregator.NewContext(cfg.NodeID, gate, roles, matrix, x, cfg.BlockCount)

	loop := aggregator.NewLoop(conn, ctx, cfg.CyclePeriod, cfg.CPUBudget)

	if cfg.Attest {
		var seed [32]byte
		copy(seed[:], cfg.PrivateKey.Seed())
		key, err := poa.NewCycleAttestationKey(seed)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("derive cycle attestation key: %w", err)
		}
		loop = loop.WithAttestationKey(key)
	}

	opctlChannel, err := opctl.New(opctl.Config{PrivateKey: cfg.PrivateKey, ListenAddr: cfg.OpctlAddress}, gate)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create opctl channel: %w", err)
	}

	statusServer := status.New(cfg.StatusAddress, aggregator.StatusAdapter{Loop: loop}, ctx.Metrics.Registry)

	return &Aggregator{
		cfg:          cfg,
		ctx:          ctx,
		conn:         conn,
		loop:         loop,
		opctlChannel: opctlChannel,
		statusServer: statusServer,
	}, nil
}

// registerWorker seeds the roster with a worker address ahead of the
// first cycle. cmd/aggregator has no dynamic discovery protocol (spec
// is silent on worker bootstrap); operators provide the fixed roster at
// startup via -worker flags.
func (a *Aggregator) registerWorker(workerID uint64, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve worker address %s: %w", addr, err)
	}
	a.ctx.Roster.Upsert(workerID, udpAddr)
	return nil
}

// Run starts every subsystem and blocks until SIGINT/SIGTERM.
func (a *Aggregator) Run() error {
	if err := a.opctlChannel.Start(); err != nil {
		return fmt.Errorf("start opctl channel: %w", err)
	}
	if err := a.statusServer.Start(); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	go a.loop.Run()

	logger.Info("aggregator started",
		"node_id", a.cfg.NodeID,
		"udp", a.conn.LocalAddr().String(),
		"opctl", a.opctlChannel.Addr(),
		"http", a.cfg.StatusAddress,
	)

	return a.waitForShutdown()
}

func (a *Aggregator) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("aggregator shutting down", "signal", sig.String())

	a.loop.Stop()
	a.opctlChannel.Close()
	a.statusServer.Stop()
	return a.conn.Close()
}

// identityMatrix builds the m x m identity control matrix used as the
// bootstrap state. Operator commits replace x only; this matrix stays
// in place for the life of the process.
func identityMatrix(m int) [][]fixedpoint.Scalar {
	matrix := make([][]fixedpoint.Scalar, m)
	for i := range matrix {
		row := make([]fixedpoint.Scalar, m)
		row[i] = fixedpoint.MaxValue
		matrix[i] = row
	}
	return matrix
}
