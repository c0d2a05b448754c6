package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/clemsix6/control-fabric/internal/logger"
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

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	agg, err := NewAggregator(cfg)
	if err != nil {
		return fmt.Errorf("create aggregator: %w", err)
	}

	for _, w := range cfg.Workers {
		if err := agg.registerWorker(w.ID, w.Addr); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
	}

	printStartupInfo(cfg)

	return agg.Run()
}

func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	logger.Info("starting aggregator",
		"node_id", cfg.NodeID,
		"pubkey", hex.EncodeToString(pubKey),
		"udp", cfg.UDPAddress,
		"opctl", cfg.OpctlAddress,
		"http", cfg.StatusAddress,
		"matrix_size", cfg.MatrixSize,
		"k", cfg.BlockCount,
		"cycle", cfg.CyclePeriod,
		"workers", len(cfg.Workers),
	)
}
