package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptRetryDelay is the pause after a transient accept failure before
// the loop re-arms. Silently stopping the loop would deny all future
// connections, so transient failures are always retried.
const acceptRetryDelay = 100 * time.Millisecond

// AcceptorConfig carries the listener settings and the template used
// for every bridge the acceptor creates.
type AcceptorConfig struct {
	ListenHost   string
	ListenPort   uint16
	UpstreamHost string
	UpstreamPort uint16

	// DialTimeout bounds each bridge's upstream connect. Zero selects
	// the default.
	DialTimeout time.Duration

	// Proxy optionally routes upstream dials through a proxy.
	Proxy *ProxyConfig

	// Bridge holds the per-bridge cipher and close-policy settings.
	Bridge BridgeConfig
}

// Acceptor binds a local TCP endpoint and produces one Bridge per
// accepted connection. The accept loop re-arms immediately after
// starting a bridge and never waits on a bridge's completion; there is
// no limit on concurrent bridges.
type Acceptor struct {
	cfg      AcceptorConfig
	listener net.Listener
	dialer   *Dialer

	mu      sync.Mutex
	bridges map[*Bridge]struct{}
	closed  bool
}

// NewAcceptor validates the configuration and binds the listening
// endpoint. A bind or listen failure is fatal to the caller and is
// returned directly.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.UpstreamHost == "" {
		return nil, errors.New("upstream host must not be empty")
	}

	dialer, err := NewDialer(cfg.DialTimeout, cfg.Proxy)
	if err != nil {
		return nil, err
	}

	bindAddr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(int(cfg.ListenPort)))
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", bindAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewAcceptor",
		"listen_addr": listener.Addr().String(),
		"upstream":    fmt.Sprintf("%s:%d", cfg.UpstreamHost, cfg.UpstreamPort),
		"close_mode":  cfg.Bridge.CloseMode.String(),
	}).Info("Acceptor listening")

	return &Acceptor{
		cfg:      cfg,
		listener: listener,
		dialer:   dialer,
		bridges:  make(map[*Bridge]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections until the context is canceled or the
// acceptor is closed, starting one bridge per connection. Transient
// accept failures are logged and retried.
func (a *Acceptor) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Acceptor.Serve",
				"error":    err.Error(),
			}).Warn("Accept failed, retrying")
			time.Sleep(acceptRetryDelay)
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Acceptor.Serve",
			"client_addr": conn.RemoteAddr().String(),
		}).Info("Accepted connection")

		a.startBridge(ctx, conn)
	}
}

// startBridge creates a bridge for an accepted connection and starts it
// in its own goroutine so the accept loop can re-arm immediately.
func (a *Acceptor) startBridge(ctx context.Context, conn net.Conn) {
	bridge, err := NewBridge(conn, a.dialer, a.cfg.Bridge)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Acceptor.startBridge",
			"client_addr": conn.RemoteAddr().String(),
			"error":       err.Error(),
		}).Error("Failed to create bridge")
		conn.Close()
		return
	}

	if !a.track(bridge) {
		bridge.Close()
		return
	}

	go func() {
		// Start failures (resolution, connect) already close the
		// bridge and log; they never affect other bridges.
		bridge.Start(ctx, a.cfg.UpstreamHost, a.cfg.UpstreamPort)
		bridge.Wait()
		a.untrack(bridge)
	}()
}

// track registers an active bridge. It reports false when the acceptor
// has already closed, in which case the bridge must not run.
func (a *Acceptor) track(b *Bridge) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.bridges[b] = struct{}{}
	return true
}

func (a *Acceptor) untrack(b *Bridge) {
	a.mu.Lock()
	delete(a.bridges, b)
	count := len(a.bridges)
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "Acceptor.untrack",
		"active_bridges": count,
	}).Debug("Bridge finished")
}

// BridgeCount returns the number of bridges currently active.
func (a *Acceptor) BridgeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bridges)
}

func (a *Acceptor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close stops the accept loop and tears down all active bridges.
// Idempotent.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	active := make([]*Bridge, 0, len(a.bridges))
	for b := range a.bridges {
		active = append(active, b)
	}
	a.mu.Unlock()

	err := a.listener.Close()
	for _, b := range active {
		b.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Acceptor.Close",
		"listen_addr":    a.listener.Addr().String(),
		"closed_bridges": len(active),
	}).Info("Acceptor closed")

	return err
}
