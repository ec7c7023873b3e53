package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/plexsphere/relayd/internal/audit"
	"github.com/plexsphere/relayd/internal/endpoint"
	"github.com/plexsphere/relayd/internal/forward"
	"github.com/plexsphere/relayd/internal/listener"
	"github.com/plexsphere/relayd/internal/metrics"
	"github.com/plexsphere/relayd/internal/registry"
)

// Deps are the shared collaborators handed to every orchestrator. Every
// field is optional.
type Deps struct {
	Metrics  *metrics.Metrics
	Recorder *audit.Recorder
	Registry registry.Store
}

// Build loads the certificate material named by cfg and creates one
// orchestrator per configured redirect, multiplexer and demultiplexer. The
// orchestrators are not started.
func Build(cfg *Config, deps Deps, logger *slog.Logger) ([]*forward.Orchestrator, error) {
	b := builder{cfg: cfg, deps: deps, logger: logger}
	var out []*forward.Orchestrator

	for _, r := range cfg.Redirects {
		spec, err := b.listener(r.Listen)
		if err != nil {
			return nil, fmt.Errorf("config: redirect %q: %w", r.Name, err)
		}
		ep, err := b.endpoint(r.Target)
		if err != nil {
			return nil, fmt.Errorf("config: redirect %q: %w", r.Name, err)
		}
		out = append(out, forward.New(forward.NewRedirect(ep), []forward.ListenerSpec{spec}, b.options(r.Name), logger))
	}

	for _, m := range cfg.Multiplexers {
		specs := make([]forward.ListenerSpec, 0, len(m.Listen))
		for _, lc := range m.Listen {
			spec, err := b.listener(lc)
			if err != nil {
				return nil, fmt.Errorf("config: multiplexer %q: %w", m.Name, err)
			}
			specs = append(specs, spec)
		}
		ep, err := b.endpoint(m.Target)
		if err != nil {
			return nil, fmt.Errorf("config: multiplexer %q: %w", m.Name, err)
		}
		out = append(out, forward.New(forward.NewMultiplex(ep), specs, b.options(m.Name), logger))
	}

	for _, d := range cfg.Demultiplexers {
		spec, err := b.listener(d.Listen)
		if err != nil {
			return nil, fmt.Errorf("config: demultiplexer %q: %w", d.Name, err)
		}
		demux := forward.NewDemultiplex()
		for _, port := range sortedPorts(d.Routes) {
			ep, err := b.endpoint(d.Routes[port])
			if err != nil {
				return nil, fmt.Errorf("config: demultiplexer %q: route %d: %w", d.Name, port, err)
			}
			if err := demux.Route(port, ep); err != nil {
				return nil, fmt.Errorf("config: demultiplexer %q: %w", d.Name, err)
			}
		}
		out = append(out, forward.New(demux, []forward.ListenerSpec{spec}, b.options(d.Name), logger))
	}

	return out, nil
}

type builder struct {
	cfg    *Config
	deps   Deps
	logger *slog.Logger
}

func (b *builder) options(name string) forward.Options {
	opts := forward.Options{
		Name:     name,
		Recorder: b.deps.Recorder,
		Registry: b.deps.Registry,
	}
	if b.deps.Metrics != nil {
		opts.Observer = b.deps.Metrics
	}
	return opts
}

func (b *builder) listener(lc listener.Config) (forward.ListenerSpec, error) {
	opts := listener.Options{Timeouts: b.cfg.Timeouts}
	if b.deps.Metrics != nil {
		opts.Observer = b.deps.Metrics
	}
	if lc.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(lc.CertFile, lc.KeyFile)
		if err != nil {
			return forward.ListenerSpec{}, fmt.Errorf("listener %s: load certificate: %w", lc.Addr(), err)
		}
		opts.ServerCert = &pair
	}
	if lc.CAFile != "" {
		pool, err := LoadCertPool(lc.CAFile)
		if err != nil {
			return forward.ListenerSpec{}, fmt.Errorf("listener %s: %w", lc.Addr(), err)
		}
		opts.Roots = pool
	}
	return forward.ListenerSpec{Config: lc, Options: opts}, nil
}

func (b *builder) endpoint(t endpoint.Target) (*endpoint.Endpoint, error) {
	opts := endpoint.Options{Timeouts: b.cfg.Timeouts}
	if b.deps.Metrics != nil {
		opts.Observer = b.deps.Metrics
	}
	if t.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("target %s: load client certificate: %w", t.Addr(), err)
		}
		opts.ClientCert = &pair
	}
	if t.CAFile != "" {
		pool, err := LoadCertPool(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Addr(), err)
		}
		opts.Roots = pool
	}
	return endpoint.New(t, opts, b.logger), nil
}

// LoadCertPool reads a PEM bundle into a new pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca bundle %s contains no certificates", path)
	}
	return pool, nil
}

func sortedPorts(routes map[uint32]endpoint.Target) []uint32 {
	ports := make([]uint32, 0, len(routes))
	for p := range routes {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
