package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/plexsphere/relayd/internal/trust"
)

// DefaultDialTimeout bounds TCP connection establishment.
const DefaultDialTimeout = 10 * time.Second

// Target describes an outbound destination.
// Target is a plain value; certificate files are loaded by the caller.
type Target struct {
	// Host is the destination host name or IP address.
	Host string `yaml:"host"`

	// Port is the destination TCP port.
	Port int `yaml:"port"`

	// TLS wraps the connection in a client TLS session.
	TLS bool `yaml:"tls"`

	// ServerName is the name the server certificate must cover.
	// Default: Host
	ServerName string `yaml:"server_name"`

	// CertFile and KeyFile name the PEM client certificate presented
	// during the handshake.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile names a PEM bundle used instead of the system roots.
	CAFile string `yaml:"ca_file"`

	// ExpectedCert, when set, is the only rule the server certificate is
	// evaluated against. When nil the server certificate must verify
	// without errors.
	ExpectedCert *trust.CertRule `yaml:"expected_cert"`

	// DialTimeout bounds TCP connection establishment.
	// Default: 10s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (t *Target) ApplyDefaults() {
	if t.DialTimeout == 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.ServerName == "" {
		t.ServerName = t.Host
	}
}

// Validate checks that required fields are set and values are acceptable.
func (t *Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("endpoint: target: host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("endpoint: target %s: invalid port %d", t.Host, t.Port)
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("endpoint: target %s: cert_file and key_file must be set together", t.Addr())
	}
	if !t.TLS && (t.CertFile != "" || t.ExpectedCert != nil || t.CAFile != "") {
		return fmt.Errorf("endpoint: target %s: certificate options require tls: true", t.Addr())
	}
	if t.ExpectedCert != nil {
		if err := t.ExpectedCert.Validate(); err != nil {
			return fmt.Errorf("endpoint: target %s: expected_cert: %w", t.Addr(), err)
		}
	}
	if t.DialTimeout < 0 {
		return fmt.Errorf("endpoint: target %s: dial_timeout must not be negative", t.Addr())
	}
	return nil
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// rules returns the policy rules derived from ExpectedCert.
func (t Target) rules() []trust.CertRule {
	if t.ExpectedCert == nil {
		return nil
	}
	return []trust.CertRule{*t.ExpectedCert}
}
