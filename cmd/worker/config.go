package main

import (
	"flag"
	"time"
)

// Config holds the worker node configuration.
type Config struct {
	WorkerID   uint64
	UDPAddress string

	MatrixSize int // MatrixSize is m, the control matrix row count this worker evaluates against

	// Sim* mirror original_source/worker/worker.py's jitter_range/failure_prob
	// constructor arguments, wired only from these flags as a supplemented
	// feature, never set by default.
	SimJitterMin time.Duration
	SimJitterMax time.Duration
	SimDrop      float64
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.Uint64Var(&cfg.WorkerID, "worker-id", 1, "This worker's numeric identity")
	flag.StringVar(&cfg.UDPAddress, "udp", ":9200", "UDP address to receive TaskFrames on")
	flag.IntVar(&cfg.MatrixSize, "matrix-size", 16, "Control matrix row count m (bootstrap identity matrix)")
	flag.DurationVar(&cfg.SimJitterMin, "sim-jitter-min", 0, "Simulated minimum response jitter")
	flag.DurationVar(&cfg.SimJitterMax, "sim-jitter-max", 0, "Simulated maximum response jitter")
	flag.Float64Var(&cfg.SimDrop, "sim-drop", 0, "Simulated probability of dropping a task (0-1)")
	flag.Parse()

	return cfg
}
