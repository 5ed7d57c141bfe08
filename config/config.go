// Package config handles tcpbridge configuration file parsing and
// validation.
//
// The configuration is a YAML file:
//
//	listen:
//	  host: 127.0.0.1
//	  port: 9000
//	upstream:
//	  host: 192.0.2.10
//	  port: 9100
//	key: "secret"          # empty or omitted => no cipher
//	cipher: rc4            # rc4 | xor | chacha20 | none (default: rc4 when a key is set)
//	close_mode: linked     # linked | eager
//	proxy:                 # optional upstream proxy
//	  type: socks5
//	  host: 127.0.0.1
//	  port: 1080
//	log_level: info
//
// Command-line flags override file values.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/tcpbridge/crypto"
	"github.com/opd-ai/tcpbridge/transport"
)

// Endpoint is a host and TCP port.
type Endpoint struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

// ProxyConfig configures an optional upstream proxy.
type ProxyConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level configuration for tcpbridge.
type Config struct {
	Listen   Endpoint `yaml:"listen"`
	Upstream Endpoint `yaml:"upstream"`

	// Key is the pre-shared cipher key. Empty disables the cipher.
	Key string `yaml:"key"`

	// Cipher selects the stream cipher. Empty applies the default
	// policy: no key means none, any key means RC4.
	Cipher string `yaml:"cipher"`

	// CloseMode selects the bridge teardown policy: "linked" (default)
	// or "eager".
	CloseMode string `yaml:"close_mode"`

	Proxy *ProxyConfig `yaml:"proxy"`

	// LogLevel is a logrus level name. Default: "info".
	LogLevel string `yaml:"log_level"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Listen:    Endpoint{Host: "127.0.0.1"},
		CloseMode: "linked",
		LogLevel:  "info",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.Host == "" {
		return fmt.Errorf("listen.host must not be empty")
	}
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host must not be empty")
	}

	switch c.Cipher {
	case "", crypto.CipherNone, crypto.CipherXOR, crypto.CipherRC4, crypto.CipherChaCha20:
	default:
		return fmt.Errorf("unknown cipher %q", c.Cipher)
	}
	if c.Cipher != "" && c.Cipher != crypto.CipherNone && c.Key == "" {
		return fmt.Errorf("cipher %q requires a key", c.Cipher)
	}

	if _, err := transport.ParseCloseMode(c.CloseMode); err != nil {
		return err
	}

	if c.Proxy != nil {
		if c.Proxy.Type != "socks5" && c.Proxy.Type != "http" {
			return fmt.Errorf("unknown proxy type %q", c.Proxy.Type)
		}
		if c.Proxy.Host == "" {
			return fmt.Errorf("proxy.host must not be empty")
		}
	}

	if _, err := logrus.ParseLevel(c.logLevel()); err != nil {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// Level returns the parsed logrus level.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.logLevel())
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *Config) logLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}
