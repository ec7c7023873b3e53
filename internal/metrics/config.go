// Package metrics exposes relayd's Prometheus metrics.
package metrics

import (
	"errors"
	"net"
	"strings"
	"time"
)

const (
	DefaultListenAddr     = "127.0.0.1:9464"
	DefaultPath           = "/metrics"
	DefaultSampleInterval = 15 * time.Second
)

// Config holds the configuration of the metrics endpoint.
type Config struct {
	// Enabled serves the metrics endpoint.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the HTTP listen address.
	// Default: 127.0.0.1:9464
	ListenAddr string `yaml:"listen_addr"`

	// Path is the HTTP path metrics are served on.
	// Default: /metrics
	Path string `yaml:"path"`

	// SampleInterval is the interval between sampler runs.
	// Must be at least 1s. Default: 15s
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = DefaultSampleInterval
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.New("metrics: config: listen_addr must be host:port")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.New("metrics: config: path must start with /")
	}
	if c.SampleInterval < time.Second {
		return errors.New("metrics: config: sample_interval must be at least 1s")
	}
	return nil
}
