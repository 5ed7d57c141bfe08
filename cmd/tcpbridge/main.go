// Command tcpbridge is an obfuscating TCP relay daemon.
//
// It forwards every connection accepted on a local endpoint to a fixed
// upstream server, optionally XORing each direction with an RC4 (or
// other stream cipher) keystream derived from a pre-shared key.
//
// Usage:
//
//	tcpbridge <local host> <local port> <upstream host> <upstream port> [key]
//	tcpbridge --config /etc/tcpbridge.yaml
//	tcpbridge --listen-port 9000 --upstream-host 192.0.2.10 --upstream-port 9100 --key secret
//
// The process exits 0 on clean shutdown (SIGINT/SIGTERM) and 1 on a
// usage error or unrecoverable startup failure such as a bind failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opd-ai/tcpbridge"
	"github.com/opd-ai/tcpbridge/config"
	"github.com/opd-ai/tcpbridge/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		usage(fs)
		return 1
	}

	cfg, err := buildConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		usage(fs)
		return 1
	}

	logrus.SetLevel(cfg.Level())

	relay, err := tcpbridge.New(optionsFromConfig(cfg))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Startup failed")
		return 1
	}
	defer relay.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.Run(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Relay stopped with error")
		return 1
	}
	return 0
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("tcpbridge", flag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("listen-host", "", "local bind address")
	fs.Uint16("listen-port", 0, "local bind port")
	fs.String("upstream-host", "", "upstream host (IP literal or resolvable name)")
	fs.Uint16("upstream-port", 0, "upstream port")
	fs.String("key", "", "pre-shared cipher key (empty disables the cipher)")
	fs.String("cipher", "", "cipher: rc4, xor, chacha20 or none (default: rc4 when a key is set)")
	fs.String("close-mode", "", "bridge teardown policy: linked or eager")
	fs.String("log-level", "", "log level: trace, debug, info, warn or error")
	return fs
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: tcpbridge <local host> <local port> <upstream host> <upstream port> [key]\n")
	fmt.Fprintf(os.Stderr, "       tcpbridge [flags]\n\nFlags:\n%s", fs.FlagUsages())
}

// buildConfig assembles the effective configuration: config file first,
// then positional arguments, then explicitly set flags.
func buildConfig(fs *flag.FlagSet) (*config.Config, error) {
	cfg := config.Default()

	if path, _ := fs.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyPositional(cfg, fs.Args()); err != nil {
		return nil, err
	}
	applyFlags(cfg, fs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPositional accepts the original argument form:
// <local host> <local port> <upstream host> <upstream port> [key].
func applyPositional(cfg *config.Config, args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 4, 5:
	default:
		return fmt.Errorf("expected 4 or 5 positional arguments, got %d", len(args))
	}

	localPort, err := parsePort(args[1])
	if err != nil {
		return fmt.Errorf("invalid local port: %w", err)
	}
	upstreamPort, err := parsePort(args[3])
	if err != nil {
		return fmt.Errorf("invalid upstream port: %w", err)
	}

	cfg.Listen.Host = args[0]
	cfg.Listen.Port = localPort
	cfg.Upstream.Host = args[2]
	cfg.Upstream.Port = upstreamPort
	if len(args) == 5 {
		cfg.Key = args[4]
	}
	return nil
}

// applyFlags overrides config values with flags the user explicitly
// set.
func applyFlags(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-host":
			cfg.Listen.Host, _ = fs.GetString(f.Name)
		case "listen-port":
			cfg.Listen.Port, _ = fs.GetUint16(f.Name)
		case "upstream-host":
			cfg.Upstream.Host, _ = fs.GetString(f.Name)
		case "upstream-port":
			cfg.Upstream.Port, _ = fs.GetUint16(f.Name)
		case "key":
			cfg.Key, _ = fs.GetString(f.Name)
		case "cipher":
			cfg.Cipher, _ = fs.GetString(f.Name)
		case "close-mode":
			cfg.CloseMode, _ = fs.GetString(f.Name)
		case "log-level":
			cfg.LogLevel, _ = fs.GetString(f.Name)
		}
	})
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a port number (0-65535)", s)
	}
	return uint16(port), nil
}

func optionsFromConfig(cfg *config.Config) *tcpbridge.Options {
	options := tcpbridge.NewOptions()
	options.ListenHost = cfg.Listen.Host
	options.ListenPort = cfg.Listen.Port
	options.UpstreamHost = cfg.Upstream.Host
	options.UpstreamPort = cfg.Upstream.Port
	options.Key = []byte(cfg.Key)
	options.Cipher = cfg.Cipher

	// Validate() already accepted the mode string.
	options.CloseMode, _ = transport.ParseCloseMode(cfg.CloseMode)

	if cfg.Proxy != nil {
		options.Proxy = &transport.ProxyConfig{
			Type:     cfg.Proxy.Type,
			Host:     cfg.Proxy.Host,
			Port:     cfg.Proxy.Port,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}
	return options
}
