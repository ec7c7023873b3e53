// Package endpoint dials outbound connections from an immutable template.
//
// An Endpoint never holds a live connection: every Connect dials a new
// physical connection to the same logical target, so one template serves
// any number of forwarded sessions.
package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/trust"
)

var (
	// ErrHandshake wraps every client TLS handshake failure.
	ErrHandshake = errors.New("endpoint: tls handshake failed")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("endpoint: closed")
)

// Observer is notified of handshake outcomes.
type Observer interface {
	Handshake(side string, err error)
}

// Options carries the material loaded outside the package.
type Options struct {
	// ClientCert is presented to TLS servers when non-nil.
	ClientCert *tls.Certificate

	// Roots replaces the system roots when non-nil.
	Roots *x509.CertPool

	// Timeouts are applied to every connection.
	Timeouts conn.Timeouts

	// Observer, when non-nil, receives handshake outcomes.
	Observer Observer
}

// Endpoint is a reusable outbound connector.
type Endpoint struct {
	target Target
	opts   Options
	policy *trust.Policy
	logger *slog.Logger

	closed *atomic.Bool
}

// New creates an Endpoint. The target should already be validated.
func New(target Target, opts Options, logger *slog.Logger) *Endpoint {
	target.ApplyDefaults()
	logger = logger.With("component", "endpoint", "target", target.Addr())
	return &Endpoint{
		target: target,
		opts:   opts,
		policy: trust.NewPolicy(target.rules(), logger),
		logger: logger,
		closed: new(atomic.Bool),
	}
}

// Target returns the endpoint's destination.
func (e *Endpoint) Target() Target {
	return e.target
}

// Clone returns an independent copy of the template. Closing the clone does
// not affect the original.
func (e *Endpoint) Clone() *Endpoint {
	return &Endpoint{
		target: e.target,
		opts:   e.opts,
		policy: e.policy,
		logger: e.logger,
		closed: new(atomic.Bool),
	}
}

// Connect dials the target, tunes the socket, and, for TLS targets, runs the
// client handshake with the server certificate evaluated by the target's
// trust policy. A failure only affects the connection being made; no retry
// is attempted.
func (e *Endpoint) Connect(ctx context.Context) (*conn.Conn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	addr := e.target.Addr()
	d := net.Dialer{Timeout: e.target.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial %s: %w", addr, err)
	}

	if err := conn.Tune(raw, e.opts.Timeouts.Idle); err != nil {
		raw.Close()
		return nil, fmt.Errorf("endpoint: %s: %w", addr, err)
	}

	var c net.Conn = raw
	if e.target.TLS {
		tc := tls.Client(raw, e.policy.ClientConfig(e.target.ServerName, e.opts.Roots, e.opts.ClientCert))
		err := tc.HandshakeContext(ctx)
		if e.opts.Observer != nil {
			e.opts.Observer.Handshake("client", err)
		}
		if err != nil {
			raw.Close()
			e.logger.Error("tls handshake failed", "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
		}
		state := tc.ConnectionState()
		e.logger.Debug("tls handshake complete",
			"version", tls.VersionName(state.Version),
			"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		)
		c = tc
	}

	e.logger.Debug("connected",
		"local_addr", c.LocalAddr().String(),
		"remote_addr", c.RemoteAddr().String(),
	)
	return conn.Wrap(c, e.opts.Timeouts), nil
}

// Close marks the template unusable. It is idempotent and does not affect
// connections already returned by Connect.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	return nil
}
