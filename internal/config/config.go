// Package config loads the relayd YAML document and turns it into running
// orchestrators.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/relayd/internal/audit"
	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/endpoint"
	"github.com/plexsphere/relayd/internal/listener"
	"github.com/plexsphere/relayd/internal/metrics"
	"github.com/plexsphere/relayd/internal/registry"
)

const (
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log format.
	DefaultLogFormat = "text"

	// DefaultIdleTimeout is the default idle timeout of every connection.
	DefaultIdleTimeout = 5 * time.Minute
)

// Config is the top-level relayd configuration.
type Config struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	// Default: "text"
	LogFormat string `yaml:"log_format"`

	// Timeouts apply to every accepted and dialed connection.
	// Default idle: 5m
	Timeouts conn.Timeouts `yaml:"timeouts"`

	Metrics  metrics.Config  `yaml:"metrics"`
	Audit    audit.Config    `yaml:"audit"`
	Registry registry.Config `yaml:"registry"`

	Redirects      []Redirect      `yaml:"redirects"`
	Multiplexers   []Multiplexer   `yaml:"multiplexers"`
	Demultiplexers []Demultiplexer `yaml:"demultiplexers"`
}

// Redirect forwards one listener to one target.
type Redirect struct {
	Name   string          `yaml:"name"`
	Listen listener.Config `yaml:"listen"`
	Target endpoint.Target `yaml:"target"`
}

// Multiplexer forwards several listeners to one target, tagging every
// connection with the port it was accepted on.
type Multiplexer struct {
	Name   string            `yaml:"name"`
	Listen []listener.Config `yaml:"listen"`
	Target endpoint.Target   `yaml:"target"`
}

// Demultiplexer routes tagged connections from one listener to the target
// registered for the tag.
type Demultiplexer struct {
	Name   string                     `yaml:"name"`
	Listen listener.Config            `yaml:"listen"`
	Routes map[uint32]endpoint.Target `yaml:"routes"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = DefaultIdleTimeout
	}
	c.Metrics.ApplyDefaults()
	c.Audit.ApplyDefaults()
	c.Registry.ApplyDefaults()

	for i := range c.Redirects {
		c.Redirects[i].Listen.ApplyDefaults()
		c.Redirects[i].Target.ApplyDefaults()
	}
	for i := range c.Multiplexers {
		for j := range c.Multiplexers[i].Listen {
			c.Multiplexers[i].Listen[j].ApplyDefaults()
		}
		c.Multiplexers[i].Target.ApplyDefaults()
	}
	for i := range c.Demultiplexers {
		c.Demultiplexers[i].Listen.ApplyDefaults()
		for port, t := range c.Demultiplexers[i].Routes {
			t.ApplyDefaults()
			c.Demultiplexers[i].Routes[port] = t
		}
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: invalid log_format %q (must be \"text\" or \"json\")", c.LogFormat)
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}

	if len(c.Redirects)+len(c.Multiplexers)+len(c.Demultiplexers) == 0 {
		return fmt.Errorf("config: no redirects, multiplexers or demultiplexers configured")
	}

	names := make(map[string]bool)
	checkName := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("config: %s: name is required", kind)
		}
		if names[name] {
			return fmt.Errorf("config: %s %q: duplicate name", kind, name)
		}
		names[name] = true
		return nil
	}

	for _, r := range c.Redirects {
		if err := checkName("redirect", r.Name); err != nil {
			return err
		}
		if err := r.Listen.Validate(); err != nil {
			return fmt.Errorf("config: redirect %q: %w", r.Name, err)
		}
		if err := r.Target.Validate(); err != nil {
			return fmt.Errorf("config: redirect %q: %w", r.Name, err)
		}
	}
	for _, m := range c.Multiplexers {
		if err := checkName("multiplexer", m.Name); err != nil {
			return err
		}
		if len(m.Listen) == 0 {
			return fmt.Errorf("config: multiplexer %q: at least one listener is required", m.Name)
		}
		for _, l := range m.Listen {
			if err := l.Validate(); err != nil {
				return fmt.Errorf("config: multiplexer %q: %w", m.Name, err)
			}
			if l.Port == 0 {
				return fmt.Errorf("config: multiplexer %q: listener ports are the multiplex tags and must be fixed", m.Name)
			}
		}
		if err := m.Target.Validate(); err != nil {
			return fmt.Errorf("config: multiplexer %q: %w", m.Name, err)
		}
	}
	for _, d := range c.Demultiplexers {
		if err := checkName("demultiplexer", d.Name); err != nil {
			return err
		}
		if err := d.Listen.Validate(); err != nil {
			return fmt.Errorf("config: demultiplexer %q: %w", d.Name, err)
		}
		if len(d.Routes) == 0 {
			return fmt.Errorf("config: demultiplexer %q: at least one route is required", d.Name)
		}
		for port, t := range d.Routes {
			if port == 0 || port > 65535 {
				return fmt.Errorf("config: demultiplexer %q: invalid route port %d", d.Name, port)
			}
			if err := t.Validate(); err != nil {
				return fmt.Errorf("config: demultiplexer %q: route %d: %w", d.Name, port, err)
			}
		}
	}
	return nil
}

// Parse decodes a YAML document, applies defaults and validates it.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseConfig reads a YAML configuration file and returns a Config.
// It applies defaults and validates the configuration.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
