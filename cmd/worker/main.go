package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/clemsix6/control-fabric/internal/fixedpoint"
	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/worker"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPAddress)
	if err != nil {
		return fmt.Errorf("resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	w := worker.New(cfg.WorkerID, conn, identityMatrix(cfg.MatrixSize))
	if cfg.SimDrop > 0 || cfg.SimJitterMax > 0 {
		w = w.WithSimConfig(worker.SimConfig{
			JitterMin:       cfg.SimJitterMin,
			JitterMax:       cfg.SimJitterMax,
			DropProbability: cfg.SimDrop,
		})
	}

	logger.Info("starting worker",
		"worker_id", cfg.WorkerID,
		"udp", conn.LocalAddr().String(),
		"matrix_size", cfg.MatrixSize,
		"sim_drop", cfg.SimDrop,
	)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(stop)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("worker shutting down", "signal", sig.String())

	close(stop)
	conn.Close()
	<-done
	return nil
}

// identityMatrix builds the m x m identity control matrix a bare worker
// evaluates against until it learns a real one out-of-band. Workers have
// no commit path of their own (spec §4.4's PoA gate lives on the
// aggregator); this is bootstrap state only.
func identityMatrix(m int) [][]fixedpoint.Scalar {
	matrix := make([][]fixedpoint.Scalar, m)
	for i := range matrix {
		row := make([]fixedpoint.Scalar, m)
		row[i] = fixedpoint.MaxValue
		matrix[i] = row
	}
	return matrix
}
