package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ErrResolution marks upstream name lookup failures. A resolution
// failure aborts the one bridge being started; it never affects other
// bridges or the acceptor.
var ErrResolution = errors.New("upstream resolution failed")

// defaultDialTimeout bounds upstream connect attempts.
const defaultDialTimeout = 10 * time.Second

// ProxyConfig routes upstream dials through a SOCKS5 or HTTP CONNECT
// proxy instead of connecting directly.
type ProxyConfig struct {
	Type     string // "socks5" or "http"
	Host     string
	Port     uint16
	Username string
	Password string
}

// Dialer establishes upstream connections for bridges. It resolves the
// upstream host explicitly so lookup failures are distinguishable from
// connect failures, then dials each resolved address in order until one
// succeeds. An optional proxy replaces the direct dial path; the proxy
// then performs name resolution itself.
type Dialer struct {
	timeout     time.Duration
	resolver    *net.Resolver
	proxyDialer proxy.Dialer
	proxyType   string
	proxyAddr   string
}

// NewDialer creates an upstream dialer. A zero timeout selects the
// default. A nil proxy config means direct connections.
func NewDialer(timeout time.Duration, cfg *ProxyConfig) (*Dialer, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	d := &Dialer{
		timeout:  timeout,
		resolver: net.DefaultResolver,
	}
	if cfg == nil {
		return d, nil
	}

	proxyAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	switch cfg.Type {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" || cfg.Password != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		pd, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		d.proxyDialer = pd

	case "http":
		var userInfo *url.Userinfo
		if cfg.Username != "" {
			if cfg.Password != "" {
				userInfo = url.UserPassword(cfg.Username, cfg.Password)
			} else {
				userInfo = url.User(cfg.Username)
			}
		}
		d.proxyDialer = &httpConnectDialer{
			proxyURL: &url.URL{Scheme: "http", Host: proxyAddr, User: userInfo},
			timeout:  timeout,
		}

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5' or 'http')", cfg.Type)
	}

	d.proxyType = cfg.Type
	d.proxyAddr = proxyAddr

	logrus.WithFields(logrus.Fields{
		"function":   "NewDialer",
		"proxy_type": cfg.Type,
		"proxy_addr": proxyAddr,
	}).Info("Upstream dialer will use proxy")

	return d, nil
}

// Dial connects to host:port, directly or through the configured proxy.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	address := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if d.proxyDialer != nil {
		return d.dialViaProxy(ctx, address)
	}

	addrs, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	var lastErr error
	for _, ip := range addrs {
		target := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", address, lastErr)
}

// resolve looks up the upstream host. IP literals pass through without
// a DNS query.
func (d *Dialer) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolution, host)
	}

	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

// dialViaProxy dials through the configured proxy, preferring the
// context-aware interface when the dialer provides it.
func (d *Dialer) dialViaProxy(ctx context.Context, address string) (net.Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function":   "Dialer.dialViaProxy",
		"dest_addr":  address,
		"proxy_type": d.proxyType,
		"proxy_addr": d.proxyAddr,
	}).Debug("Dialing upstream via proxy")

	var conn net.Conn
	var err error
	if cd, ok := d.proxyDialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", address)
	} else {
		conn, err = d.proxyDialer.Dial("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("proxy dial failed: %w", err)
	}
	return conn, nil
}

// httpConnectDialer implements proxy.Dialer for HTTP CONNECT proxies.
type httpConnectDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// Dial connects to addr via an HTTP CONNECT request to the proxy.
func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("HTTP CONNECT proxy only supports TCP, got: %s", network)
	}

	proxyConn, err := net.DialTimeout("tcp", d.proxyURL.Host, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		username := d.proxyURL.User.Username()
		password, _ := d.proxyURL.User.Password()
		connectReq.SetBasicAuth(username, password)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	if err := proxyConn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(proxyConn), connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, fmt.Errorf("proxy returned non-200 status: %s", resp.Status)
	}

	proxyConn.SetReadDeadline(time.Time{})
	return proxyConn, nil
}
