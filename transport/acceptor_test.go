package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tcpbridge/crypto"
)

// startAcceptor binds an acceptor on a loopback port and serves it for
// the duration of the test.
func startAcceptor(t *testing.T, cfg AcceptorConfig) *Acceptor {
	t.Helper()

	cfg.ListenHost = "127.0.0.1"
	a, err := NewAcceptor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background()) }()
	t.Cleanup(func() {
		a.Close()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return a
}

func listenPort(t *testing.T, l net.Listener) uint16 {
	t.Helper()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// unusedPort reserves and releases a loopback port, yielding an address
// that refuses connections.
func unusedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenPort(t, l)
	l.Close()
	return port
}

func TestAcceptorRelaysRC4EndToEnd(t *testing.T) {
	key := []byte("secret")

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	observed := make(chan []byte, 1)
	reply := []byte("pong from upstream")
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		observed <- buf

		// The upstream peer mirrors the cipher: it sends the
		// RC4-transformed reply and the proxy decodes it in flight.
		enc, err := crypto.NewRC4(key)
		if err != nil {
			return
		}
		encoded := make([]byte, len(reply))
		copy(encoded, reply)
		enc.Transform(encoded)
		conn.Write(encoded)
	}()

	a := startAcceptor(t, AcceptorConfig{
		UpstreamHost: "127.0.0.1",
		UpstreamPort: listenPort(t, upstream),
		Bridge:       BridgeConfig{Key: key},
	})

	client, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{0x41, 0x42, 0x43})
	require.NoError(t, err)

	select {
	case wire := <-observed:
		ref, err := crypto.NewRC4(key)
		require.NoError(t, err)
		want := []byte{0x41, 0x42, 0x43}
		ref.Transform(want)
		assert.Equal(t, want, wire, "upstream must observe RC4-transformed bytes")
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the client bytes")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(reply))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, reply, got, "client must observe the decoded reply")
}

func TestAcceptorServesConcurrentBridges(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	// Plain echo upstream, one goroutine per connection.
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	a := startAcceptor(t, AcceptorConfig{
		UpstreamHost: "127.0.0.1",
		UpstreamPort: listenPort(t, upstream),
	})

	const clients = 8
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", a.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			payload := []byte(fmt.Sprintf("payload from client %d", id))
			if _, err := conn.Write(payload); err != nil {
				errs <- err
				return
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); err != nil {
				errs <- err
				return
			}
			if string(got) != string(payload) {
				errs <- fmt.Errorf("client %d: got %q, want %q", id, got, payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAcceptorSurvivesUpstreamConnectFailure(t *testing.T) {
	a := startAcceptor(t, AcceptorConfig{
		UpstreamHost: "127.0.0.1",
		UpstreamPort: unusedPort(t),
	})

	// Two consecutive clients: each bridge fails its upstream connect
	// and is torn down, but the accept loop keeps re-arming.
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", a.Addr().String())
		require.NoError(t, err, "accept loop stopped after a bridge failure")

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		assert.Error(t, err, "client conn must be closed after connect failure")
		conn.Close()
	}
}

func TestAcceptorCloseUnblocksServe(t *testing.T) {
	a, err := NewAcceptor(AcceptorConfig{
		ListenHost:   "127.0.0.1",
		UpstreamHost: "127.0.0.1",
		UpstreamPort: 9,
	})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	// Close is idempotent.
	assert.NoError(t, a.Close())
}

func TestAcceptorContextCancelStopsServe(t *testing.T) {
	a, err := NewAcceptor(AcceptorConfig{
		ListenHost:   "127.0.0.1",
		UpstreamHost: "127.0.0.1",
		UpstreamPort: 9,
	})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	cancel()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestNewAcceptorErrors(t *testing.T) {
	t.Run("missing upstream host", func(t *testing.T) {
		_, err := NewAcceptor(AcceptorConfig{ListenHost: "127.0.0.1"})
		assert.Error(t, err)
	})

	t.Run("bind conflict", func(t *testing.T) {
		held, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer held.Close()

		_, err = NewAcceptor(AcceptorConfig{
			ListenHost:   "127.0.0.1",
			ListenPort:   listenPort(t, held),
			UpstreamHost: "127.0.0.1",
			UpstreamPort: 9,
		})
		assert.Error(t, err)
	})

	t.Run("invalid proxy type", func(t *testing.T) {
		_, err := NewAcceptor(AcceptorConfig{
			ListenHost:   "127.0.0.1",
			UpstreamHost: "127.0.0.1",
			UpstreamPort: 9,
			Proxy:        &ProxyConfig{Type: "carrier-pigeon", Host: "127.0.0.1", Port: 1},
		})
		assert.Error(t, err)
	})
}
