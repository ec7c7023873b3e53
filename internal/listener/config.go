package listener

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/plexsphere/relayd/internal/trust"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStartTimeout     = 5 * time.Second
	DefaultStopTimeout      = 5 * time.Second
)

// Config holds the configuration of one listening socket.
// Config is passed as a constructor argument; certificate files are loaded
// by the caller.
type Config struct {
	// Host is the bind address.
	// Default: 0.0.0.0
	Host string `yaml:"host"`

	// Port is the bind port. 0 picks an ephemeral port.
	Port int `yaml:"port"`

	// CertFile and KeyFile name the PEM server certificate. When set, every
	// accepted connection performs a TLS server handshake.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile names a PEM bundle used to verify client certificate chains
	// instead of the system roots.
	CAFile string `yaml:"ca_file"`

	// AcceptedPeers is the client certificate policy. When non-empty a
	// client certificate is required and must satisfy one rule.
	AcceptedPeers []trust.CertRule `yaml:"accepted_peers"`

	// HandshakeTimeout bounds the TLS server handshake.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AcceptRate limits accepted connections per second. 0 disables it.
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the limiter burst size.
	// Default: max(1, AcceptRate)
	AcceptBurst int `yaml:"accept_burst"`

	// StartTimeout bounds how long Start waits for the accept loop.
	// Default: 5s
	StartTimeout time.Duration `yaml:"start_timeout"`

	// StopTimeout bounds how long Stop waits for the accept loop to exit.
	// Default: 5s
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = max(1, int(c.AcceptRate))
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("listener: invalid port %d", c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("listener: %s: cert_file and key_file must be set together", c.Addr())
	}
	if c.CertFile == "" && (len(c.AcceptedPeers) > 0 || c.CAFile != "") {
		return fmt.Errorf("listener: %s: accepted_peers and ca_file require a server certificate", c.Addr())
	}
	for i, rule := range c.AcceptedPeers {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("listener: %s: accepted_peers[%d]: %w", c.Addr(), i, err)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("listener: %s: handshake_timeout must not be negative", c.Addr())
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("listener: %s: accept_rate and accept_burst must not be negative", c.Addr())
	}
	return nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
