package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tcpbridge/crypto"
)

// bufferSize is the per-direction receive buffer size.
const bufferSize = 8192

// ErrBridgeClosed is returned when an operation is attempted on a
// bridge that has already fully closed.
var ErrBridgeClosed = errors.New("bridge is closed")

// CloseMode selects the bridge teardown policy.
type CloseMode uint8

const (
	// CloseModeLinked is the legacy policy: the bridge closes only once
	// one of four flag pairs is fully set (both reads failed, both
	// writes failed, or both ends of one transport failed). A single
	// isolated failure leaves the opposite direction running.
	CloseModeLinked CloseMode = iota

	// CloseModeEager closes both transports on the first failure in
	// either direction.
	CloseModeEager
)

// String returns the configuration name of the close mode.
func (m CloseMode) String() string {
	switch m {
	case CloseModeEager:
		return "eager"
	default:
		return "linked"
	}
}

// ParseCloseMode converts a configuration string to a CloseMode. The
// empty string selects the legacy linked policy.
func ParseCloseMode(s string) (CloseMode, error) {
	switch s {
	case "", "linked":
		return CloseModeLinked, nil
	case "eager":
		return CloseModeEager, nil
	default:
		return CloseModeLinked, fmt.Errorf("unknown close mode %q", s)
	}
}

// streamEnd identifies one half of one transport of a bridge. Each copy
// loop failure closes exactly one stream end.
type streamEnd uint8

const (
	clientRead streamEnd = iota
	clientWrite
	upstreamRead
	upstreamWrite
)

func (e streamEnd) String() string {
	switch e {
	case clientRead:
		return "client_read"
	case clientWrite:
		return "client_write"
	case upstreamRead:
		return "upstream_read"
	default:
		return "upstream_write"
	}
}

// BridgeConfig carries the per-bridge relay settings.
type BridgeConfig struct {
	// Key is the pre-shared cipher key. Empty means no cipher.
	Key []byte

	// Cipher names the cipher to use. Empty applies the default
	// selection policy (no key: none, otherwise RC4).
	Cipher string

	// CloseMode selects the teardown policy.
	CloseMode CloseMode
}

// Bridge is one full-duplex relay session pairing a client connection
// with an upstream connection. Two copy loops run concurrently, one per
// direction, each owning an independent cipher instance. The four
// stream-end flags, the two connections, and the close sequence are the
// only state shared between the loops; all of it is guarded by one
// mutex per bridge.
type Bridge struct {
	mu       sync.Mutex
	client   net.Conn
	upstream net.Conn

	clientReadClosed    bool
	upstreamReadClosed  bool
	clientWriteClosed   bool
	upstreamWriteClosed bool
	closed              bool

	// Per-direction cipher instances. Seeded from the same key but
	// independent: each consumes only its own direction's keystream.
	// Released (nilled) exactly once when the bridge closes.
	toUpstream crypto.Cipher
	toClient   crypto.Cipher

	closeMode CloseMode
	dialer    *Dialer

	done     chan struct{}
	doneOnce sync.Once
}

// NewBridge creates a bridge over an accepted client connection. The
// upstream side is established later by Start. A nil dialer gets the
// default direct dialer.
func NewBridge(client net.Conn, dialer *Dialer, cfg BridgeConfig) (*Bridge, error) {
	toUpstream, err := crypto.New(cfg.Cipher, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create client-to-upstream cipher: %w", err)
	}
	toClient, err := crypto.New(cfg.Cipher, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream-to-client cipher: %w", err)
	}

	if dialer == nil {
		dialer, err = NewDialer(0, nil)
		if err != nil {
			return nil, err
		}
	}

	return &Bridge{
		client:     client,
		toUpstream: toUpstream,
		toClient:   toClient,
		closeMode:  cfg.CloseMode,
		dialer:     dialer,
		done:       make(chan struct{}),
	}, nil
}

// ClientConn returns the client-side transport handle.
func (b *Bridge) ClientConn() net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// UpstreamConn returns the upstream-side transport handle, or nil
// before the upstream connect has completed.
func (b *Bridge) UpstreamConn() net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upstream
}

// Start resolves and connects the upstream target, then launches both
// copy loops. On any failure the bridge closes immediately and the
// error is returned; no half-close bookkeeping applies because no
// streaming has begun.
func (b *Bridge) Start(ctx context.Context, upstreamHost string, upstreamPort uint16) error {
	conn, err := b.dialer.Dial(ctx, upstreamHost, upstreamPort)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Bridge.Start",
			"client_addr": remoteAddr(b.ClientConn()),
			"upstream":    fmt.Sprintf("%s:%d", upstreamHost, upstreamPort),
			"error":       err.Error(),
		}).Warn("Upstream connect failed")
		b.Close()
		b.signalDone()
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		b.signalDone()
		return ErrBridgeClosed
	}
	b.upstream = conn
	cipher := b.toUpstream.Name()
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Bridge.Start",
		"client_addr":   remoteAddr(b.ClientConn()),
		"upstream_addr": conn.RemoteAddr().String(),
		"cipher":        cipher,
		"close_mode":    b.closeMode.String(),
	}).Info("Bridge established")

	go b.run()
	return nil
}

// run drives both copy loops and signals completion once both have
// exited. Each outstanding loop keeps the bridge alive.
func (b *Bridge) run() {
	b.mu.Lock()
	client, upstream := b.client, b.upstream
	toUpstream, toClient := b.toUpstream, b.toClient
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.copyLoop(client, upstream, toUpstream, clientRead, upstreamWrite)
	}()
	go func() {
		defer wg.Done()
		b.copyLoop(upstream, client, toClient, upstreamRead, clientWrite)
	}()
	wg.Wait()
	b.signalDone()
}

// copyLoop forwards one direction: read from src, transform in place,
// write to dst, repeat. The loop stops on its first failure, marking
// the corresponding stream end closed.
func (b *Bridge) copyLoop(src, dst net.Conn, cipher crypto.Cipher, readEnd, writeEnd streamEnd) {
	buf := make([]byte, bufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			cipher.Transform(buf[:n])
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				b.markClosed(writeEnd, writeErr)
				return
			}
		}
		if readErr != nil {
			b.markClosed(readEnd, readErr)
			return
		}
	}
}

// markClosed records a stream-end failure and evaluates the close
// policy. A graceful peer shutdown (EOF) takes the same path as any
// other failure. Once the bridge is closed, later failures from the
// opposite loop are ignored, which keeps the failure path from
// recursing.
func (b *Bridge) markClosed(end streamEnd, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	switch end {
	case clientRead:
		b.clientReadClosed = true
	case clientWrite:
		b.clientWriteClosed = true
	case upstreamRead:
		b.upstreamReadClosed = true
	case upstreamWrite:
		b.upstreamWriteClosed = true
	}

	entry := logrus.WithFields(logrus.Fields{
		"function":    "Bridge.markClosed",
		"stream_end":  end.String(),
		"client_addr": remoteAddr(b.client),
		"error":       cause.Error(),
	})
	if errors.Is(cause, io.EOF) {
		entry.Debug("Stream end closed by peer")
	} else {
		entry.Warn("Stream end failed")
	}

	if b.closePolicySatisfiedLocked() {
		b.closeLocked()
	}
}

// closePolicySatisfiedLocked reports whether the configured policy
// requires a full close. Callers must hold b.mu.
func (b *Bridge) closePolicySatisfiedLocked() bool {
	if b.closeMode == CloseModeEager {
		return b.clientReadClosed || b.upstreamReadClosed ||
			b.clientWriteClosed || b.upstreamWriteClosed
	}
	return (b.clientReadClosed && b.upstreamReadClosed) ||
		(b.clientWriteClosed && b.upstreamWriteClosed) ||
		(b.upstreamReadClosed && b.upstreamWriteClosed) ||
		(b.clientReadClosed && b.clientWriteClosed)
}

// Close tears down the bridge: both transports are closed and both
// cipher instances are released. Safe to call from either direction's
// failure path or externally; only the first call has any effect.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// closeLocked performs the close sequence. Callers must hold b.mu.
func (b *Bridge) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true

	if b.client != nil {
		b.client.Close()
	}
	if b.upstream != nil {
		b.upstream.Close()
	}
	b.toUpstream = nil
	b.toClient = nil

	logrus.WithFields(logrus.Fields{
		"function":    "Bridge.closeLocked",
		"client_addr": remoteAddr(b.client),
	}).Info("Bridge closed")
}

// Done returns a channel closed once the bridge has fully shut down:
// the close sequence has run and no copy loop remains.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the bridge has fully shut down.
func (b *Bridge) Wait() {
	<-b.done
}

func (b *Bridge) signalDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

// remoteAddr formats a connection's remote address for logging,
// tolerating nil connections.
func remoteAddr(conn net.Conn) string {
	if conn == nil {
		return "<none>"
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "<unknown>"
}
