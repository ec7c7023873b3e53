// Package packaging installs relayd as a systemd service on bare-metal Linux
// hosts.
package packaging

import (
	"errors"
	"path/filepath"
)

// InstallConfig holds the installation layout.
// InstallConfig is passed as a constructor argument; no file I/O in this file.
type InstallConfig struct {
	// BinaryPath is where the relayd binary is installed.
	// Default: /usr/local/bin/relayd
	BinaryPath string

	// ConfigDir holds config.yaml and certificate material.
	// Default: /etc/relayd
	ConfigDir string

	// AuditDir is the audit tree the service may write to.
	// Default: /var/log/relayd
	AuditDir string

	// UnitFilePath is the path for the systemd unit file.
	// Default: /etc/systemd/system/relayd.service
	UnitFilePath string

	// ServiceName is the systemd service name.
	// Default: relayd
	ServiceName string

	// MetricsAddr is written into a freshly generated config.
	// Default: 127.0.0.1:9464
	MetricsAddr string
}

// Default installation layout.
const (
	DefaultBinaryPath   = "/usr/local/bin/relayd"
	DefaultConfigDir    = "/etc/relayd"
	DefaultAuditDir     = "/var/log/relayd"
	DefaultServiceName  = "relayd"
	DefaultUnitFilePath = "/etc/systemd/system/relayd.service"
	DefaultMetricsAddr  = "127.0.0.1:9464"
)

// ApplyDefaults sets default values for zero-valued fields.
func (c *InstallConfig) ApplyDefaults() {
	if c.BinaryPath == "" {
		c.BinaryPath = DefaultBinaryPath
	}
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir
	}
	if c.AuditDir == "" {
		c.AuditDir = DefaultAuditDir
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.UnitFilePath == "" {
		c.UnitFilePath = DefaultUnitFilePath
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
}

// Validate checks that every path is absolute.
func (c *InstallConfig) Validate() error {
	for _, p := range []struct{ name, path string }{
		{"binary path", c.BinaryPath},
		{"config dir", c.ConfigDir},
		{"audit dir", c.AuditDir},
		{"unit file path", c.UnitFilePath},
	} {
		if !filepath.IsAbs(p.path) {
			return errors.New("packaging: config: " + p.name + " must be an absolute path")
		}
	}
	if c.ServiceName == "" {
		return errors.New("packaging: config: service name is required")
	}
	return nil
}

// ConfigPath returns the path of the service config file.
func (c InstallConfig) ConfigPath() string {
	return filepath.Join(c.ConfigDir, "config.yaml")
}
