// Package tcpbridge implements a transparent TCP relay with optional
// stream-cipher traffic obfuscation.
//
// The relay accepts client connections on a local endpoint and forwards
// every byte stream to a fixed upstream server. When a pre-shared key
// is configured, each direction of each connection is XORed with an
// independently running keystream (RC4 by default); the remote peer
// must apply the same cipher with the same key to recover the
// plaintext. This obscures traffic from casual passive inspection and
// is not a substitute for transport security.
//
// Example:
//
//	options := tcpbridge.NewOptions()
//	options.ListenHost = "127.0.0.1"
//	options.ListenPort = 9000
//	options.UpstreamHost = "192.0.2.10"
//	options.UpstreamPort = 9100
//	options.Key = []byte("secret")
//
//	relay, err := tcpbridge.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer relay.Stop()
//
//	if err := relay.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package tcpbridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/tcpbridge/crypto"
	"github.com/opd-ai/tcpbridge/transport"
)

// Options contains configuration for creating a Relay.
type Options struct {
	// ListenHost and ListenPort are the local bind endpoint. Port 0
	// binds an ephemeral port (see Relay.Addr).
	ListenHost string
	ListenPort uint16

	// UpstreamHost and UpstreamPort identify the fixed upstream server
	// every accepted connection is relayed to. The host may be an IP
	// literal or a resolvable name.
	UpstreamHost string
	UpstreamPort uint16

	// Key is the pre-shared cipher key. Empty disables the cipher.
	Key []byte

	// Cipher names the stream cipher ("rc4", "xor", "chacha20",
	// "none"). Empty applies the default selection policy: no key
	// means none, any key means RC4.
	Cipher string

	// CloseMode selects the bridge teardown policy.
	CloseMode transport.CloseMode

	// DialTimeout bounds each upstream connect attempt. Zero selects
	// the default.
	DialTimeout time.Duration

	// Proxy optionally routes upstream dials through a SOCKS5 or HTTP
	// CONNECT proxy.
	Proxy *transport.ProxyConfig
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		ListenHost: "127.0.0.1",
		CloseMode:  transport.CloseModeLinked,
	}
}

// Relay is a running (or runnable) TCP relay instance.
type Relay struct {
	options  *Options
	acceptor *transport.Acceptor
}

// New validates the options and binds the listening endpoint. A bind or
// listen failure is returned immediately; it is unrecoverable for this
// instance.
func New(options *Options) (*Relay, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.UpstreamHost == "" {
		return nil, fmt.Errorf("upstream host must not be empty")
	}

	// Surface cipher misconfiguration here rather than on the first
	// accepted connection.
	if _, err := crypto.New(options.Cipher, options.Key); err != nil {
		return nil, err
	}

	acceptor, err := transport.NewAcceptor(transport.AcceptorConfig{
		ListenHost:   options.ListenHost,
		ListenPort:   options.ListenPort,
		UpstreamHost: options.UpstreamHost,
		UpstreamPort: options.UpstreamPort,
		DialTimeout:  options.DialTimeout,
		Proxy:        options.Proxy,
		Bridge: transport.BridgeConfig{
			Key:       options.Key,
			Cipher:    options.Cipher,
			CloseMode: options.CloseMode,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Relay{options: options, acceptor: acceptor}, nil
}

// Run serves the accept loop until the context is canceled or Stop is
// called. It returns nil on clean shutdown.
func (r *Relay) Run(ctx context.Context) error {
	return r.acceptor.Serve(ctx)
}

// Stop closes the listener and tears down all active bridges. Safe to
// call more than once.
func (r *Relay) Stop() {
	r.acceptor.Close()
}

// Addr returns the bound listen address.
func (r *Relay) Addr() net.Addr {
	return r.acceptor.Addr()
}

// ActiveBridges returns the number of relay sessions currently active.
func (r *Relay) ActiveBridges() int {
	return r.acceptor.BridgeCount()
}
