// Package opctl implements the operator control channel: a
// connection-oriented transport carrying CommitToken submissions and
// ProposedState announcements (spec §4.4, §6), deliberately kept apart
// from the UDP cycle hot path in internal/aggregator.
//
// Adapted from internal/network's QUIC node/peer mesh, narrowed to a
// single request/response purpose: an operator dials in, submits one
// frame per stream, and gets a one-byte ack back. There is no gossip, no
// peer table, and no reconnect loop. An operator that wants to retry
// just redials.
package opctl

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/clemsix6/control-fabric/internal/logger"
	"github.com/clemsix6/control-fabric/internal/poa"
	"github.com/clemsix6/control-fabric/internal/wire"
)

const alpnProtocol = "control-fabric-opctl/1"

// Config configures a Channel.
type Config struct {
	PrivateKey ed25519.PrivateKey // this node's identity, used for the TLS leaf cert
	ListenAddr string
}

// Channel is the aggregator-side listener for operator submissions. It
// verifies and enqueues CommitToken and ProposedState frames the same
// way internal/aggregator.Loop.handleDatagram does for the UDP-carried
// variants, just arriving over a reliable connection instead; actual
// application happens wherever gate.Drain is called (the aggregator's
// own cycle loop), since a Channel has no cycle boundary of its own.
type Channel struct {
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	gate *poa.Gate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Channel that verifies and enqueues submitted frames
// against gate.
func New(cfg Config, gate *poa.Gate) (*Channel, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("opctl: private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("opctl: listen address is required")
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("opctl: generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // operator authority comes from the CommitToken signature, not the TLS chain
		NextProtos:         []string{alpnProtocol},
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 10 * time.Second},
		gate:       gate,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins accepting operator connections.
func (c *Channel) Start() error {
	listener, err := quic.ListenAddr(c.listenAddr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return fmt.Errorf("opctl: listen: %w", err)
	}
	c.listener = listener

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Addr returns the listener's bound address, or "" before Start.
func (c *Channel) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Close stops accepting connections and waits for in-flight sessions to
// drain.
func (c *Channel) Close() error {
	c.cancel()
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept(c.ctx)
		if err != nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveSession(conn)
		}()
	}
}

func (c *Channel) serveSession(conn *quic.Conn) {
	identity, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("opctl: session without verifiable certificate identity", "remote", conn.RemoteAddr(), "error", err)
	}
	for {
		stream, err := conn.AcceptStream(c.ctx)
		if err != nil {
			return
		}
		go c.serveStream(stream, identity)
	}
}

func (c *Channel) serveStream(stream *quic.Stream, identity ed25519.PublicKey) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	ack := c.handleFrame(data, identity)
	writeFrame(stream, []byte{ack})
}

const (
	ackAccepted byte = 0x00
	ackRejected byte = 0x01
)

// handleFrame verifies and enqueues (CommitToken) or records
// (ProposedState) a decoded operator frame, mirroring
// internal/aggregator.Loop.handleDatagram's CommitToken/ProposedState
// cases, and returns the ack byte to send back.
func (c *Channel) handleFrame(data []byte, identity ed25519.PublicKey) byte {
	typ, err := wire.TypeOf(data)
	if err != nil {
		return ackRejected
	}

	switch typ {
	case wire.TypeCommitToken:
		f, err := wire.DecodeCommitToken(data)
		if err != nil {
			return ackRejected
		}
		if verr := c.gate.Verify(f); verr != nil {
			logger.Warn("opctl: commit token rejected", "reason", verr, "operator_key_prefix", identityPrefix(identity))
			return ackRejected
		}
		// Queued, not applied here: application is deferred to the
		// aggregator event loop's next cycle boundary (same Gate, see
		// internal/aggregator.Loop.applyPendingCommits), so a commit
		// delivered over this quic channel takes effect at the same point
		// in the cycle as one delivered over the UDP fabric.
		c.gate.Enqueue(f)
		return ackAccepted

	case wire.TypeProposedState:
		f, err := wire.DecodeProposedState(data)
		if err != nil {
			return ackRejected
		}
		c.gate.RecordProposedState(f)
		return ackAccepted

	default:
		return ackRejected
	}
}

func identityPrefix(key ed25519.PublicKey) string {
	if len(key) < 4 {
		return ""
	}
	return fmt.Sprintf("%x", key[:4])
}

// Submit dials addr and delivers a single encoded frame, returning the
// aggregator's ack byte. Used by operator-side tooling (cmd/opctl,
// integration tests) rather than by the aggregator itself.
func Submit(ctx context.Context, addr string, key ed25519.PrivateKey, frame []byte) (byte, error) {
	cert, err := selfSignedCert(key)
	if err != nil {
		return 0, fmt.Errorf("opctl: generate certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("opctl: dial: %w", err)
	}
	defer conn.CloseWithError(0, "done")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("opctl: open stream: %w", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, frame); err != nil {
		return 0, fmt.Errorf("opctl: write frame: %w", err)
	}

	ack, err := readFrame(stream)
	if err != nil {
		return 0, fmt.Errorf("opctl: read ack: %w", err)
	}
	if len(ack) != 1 {
		return 0, fmt.Errorf("opctl: malformed ack")
	}
	return ack[0], nil
}
