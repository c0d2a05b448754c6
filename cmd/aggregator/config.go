package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the aggregator node configuration.
type Config struct {
	NodeID uint64 // NodeID is this node's identity in ClaimPrimary tie-breaks

	UDPAddress    string // UDPAddress is the cycle hot-path UDP listen address
	OpctlAddress  string // OpctlAddress is the operator control QUIC listen address
	StatusAddress string // StatusAddress is the HTTP status/metrics listen address

	KeyPath    string // KeyPath is the path to this node's Ed25519 private key
	PrivateKey ed25519.PrivateKey

	AuthorizedOperators [][32]byte // AuthorizedOperators is the pre-provisioned PoA verify_key set

	MatrixSize int // MatrixSize is m, the control matrix row count (square identity bootstrap)
	BlockCount int // BlockCount is K, the target coded block count per cycle

	CyclePeriod time.Duration // CyclePeriod is T_cycle
	CPUBudget   time.Duration // CPUBudget is B_cpu, the per-cycle compute budget

	MissedHeartbeatThreshold int // MissedHeartbeatThreshold is F from the LLFT promotion table

	Attest bool // Attest enables signing each decoded cycle result with a BLS attestation

	Workers []WorkerAddr // Workers is the static worker roster to seed at startup
}

// WorkerAddr is one -worker=id@addr flag entry.
type WorkerAddr struct {
	ID   uint64
	Addr string
}

// workerAddrList implements flag.Value so -worker can be repeated, one
// "id@host:port" entry per flag occurrence.
type workerAddrList struct {
	entries *[]WorkerAddr
}

func (w workerAddrList) String() string {
	return ""
}

func (w workerAddrList) Set(value string) error {
	id, addr, ok := strings.Cut(value, "@")
	if !ok {
		return fmt.Errorf("expected id@host:port, got %q", value)
	}
	var workerID uint64
	if _, err := fmt.Sscanf(id, "%d", &workerID); err != nil {
		return fmt.Errorf("invalid worker id %q: %w", id, err)
	}
	*w.entries = append(*w.entries, WorkerAddr{ID: workerID, Addr: addr})
	return nil
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	var authorized string

	flag.Uint64Var(&cfg.NodeID, "node-id", 1, "This node's numeric identity")
	flag.StringVar(&cfg.UDPAddress, "udp", ":9100", "Cycle hot-path UDP address")
	flag.StringVar(&cfg.OpctlAddress, "opctl", ":9101", "Operator control QUIC address")
	flag.StringVar(&cfg.StatusAddress, "http", ":9102", "Status/metrics HTTP address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&authorized, "authorized-operators", "", "Comma-separated hex-encoded Ed25519 operator public keys")
	flag.IntVar(&cfg.MatrixSize, "matrix-size", 16, "Control matrix row count m (bootstrap identity matrix)")
	flag.IntVar(&cfg.BlockCount, "k", 24, "Target coded block count per cycle")
	flag.DurationVar(&cfg.CyclePeriod, "cycle", 50*time.Millisecond, "Cycle period T_cycle")
	flag.DurationVar(&cfg.CPUBudget, "budget", 15*time.Millisecond, "Per-cycle compute budget B_cpu")
	flag.IntVar(&cfg.MissedHeartbeatThreshold, "f", 3, "Missed-heartbeat threshold before a Backup claims Primary")
	flag.BoolVar(&cfg.Attest, "attest", false, "Sign each decoded cycle result with a BLS attestation")
	flag.Var(workerAddrList{entries: &cfg.Workers}, "worker", "Worker roster entry id@host:port (repeatable)")
	flag.Parse()

	cfg.AuthorizedOperators = parseAuthorizedOperators(authorized)
	return cfg
}

func parseAuthorizedOperators(csv string) [][32]byte {
	if csv == "" {
		return nil
	}
	var keys [][32]byte
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		raw, err := hex.DecodeString(field)
		if err != nil || len(raw) != 32 {
			continue
		}
		var key [32]byte
		copy(key[:], raw)
		keys = append(keys, key)
	}
	return keys
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(data), nil
}

func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return priv, nil
}

func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}
	return priv, nil
}
