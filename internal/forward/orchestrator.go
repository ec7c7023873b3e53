// Package forward binds listeners to outbound endpoints.
//
// An Orchestrator owns one or more listeners and a Topology. For every
// accepted connection it walks a fixed sequence of states: the topology
// resolves a target endpoint, the endpoint connects, the topology gets a
// chance to write to the new connection, and a pump.Session relays bytes
// until either side closes. A failure at any step closes that one
// connection and nothing is retried.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/plexsphere/relayd/internal/audit"
	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/endpoint"
	"github.com/plexsphere/relayd/internal/listener"
	"github.com/plexsphere/relayd/internal/pump"
	"github.com/plexsphere/relayd/internal/registry"
)

// State is a step of the per-connection lifecycle.
type State int

const (
	StateAccepted State = iota
	StateTargetResolved
	StateConnected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateTargetResolved:
		return "target_resolved"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer receives session and error events.
type Observer interface {
	SessionStarted(topology string)
	SessionEnded(topology string, d time.Duration)
	Bytes(direction string, n int)
	Error(kind string)
}

// ListenerSpec is one listener owned by an orchestrator.
type ListenerSpec struct {
	Config  listener.Config
	Options listener.Options
}

// Options are the optional collaborators of an Orchestrator.
type Options struct {
	// Name identifies the orchestrator in logs and the registry.
	Name string

	// Recorder, when non-nil, records every session's bytes.
	Recorder *audit.Recorder

	// Observer, when non-nil, receives session and error events.
	Observer Observer

	// Registry, when non-nil, tracks active sessions.
	Registry registry.Store
}

// Orchestrator drives forwarding sessions for one topology.
type Orchestrator struct {
	topology  Topology
	listeners []*listener.Listener
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool

	// setupCtx bounds every connection until it starts streaming. It is
	// derived from the Start context and cancelled by Close.
	setupCtx    context.Context
	cancelSetup context.CancelFunc
}

// New creates an Orchestrator. The listeners are created but not bound.
func New(topology Topology, listeners []ListenerSpec, opts Options, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		topology: topology,
		opts:     opts,
		logger:   logger.With("component", "forward", "orchestrator", opts.Name, "topology", topology.Name()),
	}
	for _, spec := range listeners {
		o.listeners = append(o.listeners, listener.New(spec.Config, spec.Options, o, logger))
	}
	return o
}

// Name returns the orchestrator name.
func (o *Orchestrator) Name() string {
	return o.opts.Name
}

// Listeners returns the orchestrator's listeners.
func (o *Orchestrator) Listeners() []*listener.Listener {
	return append([]*listener.Listener(nil), o.listeners...)
}

// Start freezes the topology and binds every listener concurrently. If any
// listener fails to start, the ones that did are stopped again and the
// first error is returned. ctx is the parent of every session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrStarted
	}
	if o.closed {
		return fmt.Errorf("forward: %s: start after close", o.opts.Name)
	}
	o.started = true
	o.setupCtx, o.cancelSetup = context.WithCancel(ctx)
	if s, ok := o.topology.(sealer); ok {
		s.seal()
	}

	g := new(errgroup.Group)
	for _, l := range o.listeners {
		g.Go(func() error {
			return l.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range o.listeners {
			l.Stop()
		}
		o.cancelSetup()
		return fmt.Errorf("forward: %s: %w", o.opts.Name, err)
	}

	o.logger.Info("orchestrator started", "listeners", len(o.listeners))
	return nil
}

// Close stops every listener, aborts connections that have not started
// streaming yet and closes every endpoint template. Individual failures are
// logged and collected; the remaining resources are still released.
// Sessions already streaming end on their own. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancelSetup := o.cancelSetup
	o.mu.Unlock()

	if cancelSetup != nil {
		cancelSetup()
	}

	var errs []error
	for _, l := range o.listeners {
		if err := l.Stop(); err != nil {
			o.logger.Error("stop listener failed", "listen_addr", l.Config().Addr(), "error", err)
			errs = append(errs, err)
		}
	}
	for _, ep := range o.topology.Endpoints() {
		if err := ep.Close(); err != nil {
			o.logger.Error("close endpoint failed", "target", ep.Target().Addr(), "error", err)
			errs = append(errs, err)
		}
	}

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Wait blocks until every session of every listener has ended.
func (o *Orchestrator) Wait() {
	for _, l := range o.listeners {
		l.Wait()
	}
}

// Connected implements listener.Handler. It runs one connection through
// its whole lifecycle; the listener closes in when it returns.
func (o *Orchestrator) Connected(ctx context.Context, l *listener.Listener, in *conn.Conn) {
	id := uuid.NewString()
	logger := o.logger.With(
		"session_id", id,
		"listen_port", l.Port(),
		"remote_addr", in.RemoteAddr().String(),
	)

	state := StateAccepted
	defer func() {
		logger.Debug("session closed", "last_state", state.String())
	}()

	// Until the session owns in, a blocked tag read or dial is released by
	// closing in when the setup context ends.
	setupCtx := o.setupContext(ctx)
	stopSetup := context.AfterFunc(setupCtx, func() { in.Close() })
	defer stopSetup()

	ep, err := o.topology.ResolveTarget(setupCtx, l, in)
	if err != nil {
		o.fail(logger, state, err)
		return
	}
	defer ep.Close()
	state = StateTargetResolved
	logger = logger.With("target", ep.Target().Addr())

	out, err := ep.Connect(setupCtx)
	if err != nil {
		o.fail(logger, state, err)
		return
	}
	state = StateConnected

	if err := o.topology.OnConnected(setupCtx, l, out); err != nil {
		out.Close()
		o.fail(logger, state, err)
		return
	}
	if !stopSetup() {
		// in was closed by the setup context.
		out.Close()
		logger.Info("connection aborted during setup", "state", state.String())
		return
	}

	started := time.Now()
	taps, auditLog := o.taps(logger, in, started)
	if auditLog != nil {
		defer auditLog.Close()
	}

	o.register(ctx, logger, registry.Session{
		ID:           id,
		Orchestrator: o.opts.Name,
		Topology:     o.topology.Name(),
		Listen:       in.LocalAddr().String(),
		Remote:       in.RemoteAddr().String(),
		Target:       ep.Target().Addr(),
		StartedAt:    started,
	})
	defer o.unregister(ctx, logger, id)

	if o.opts.Observer != nil {
		o.opts.Observer.SessionStarted(o.topology.Name())
		defer func() {
			o.opts.Observer.SessionEnded(o.topology.Name(), time.Since(started))
		}()
	}

	session := pump.NewSession(in, out, taps, logger)
	defer session.Close()
	state = StateStreaming
	logger.Info("session started")

	err = session.WaitUntilClosed(ctx)
	session.Close()
	state = StateClosed

	req, resp := session.Bytes()
	attrs := []any{"bytes_request", req, "bytes_response", resp, "duration", time.Since(started)}
	switch {
	case err == nil:
		logger.Info("session ended", attrs...)
	case errors.Is(err, context.Canceled):
		logger.Info("session cancelled", attrs...)
	default:
		o.observeError("stream")
		logger.Error("session failed", append(attrs, "error", err)...)
	}
}

func (o *Orchestrator) shuttingDown() bool {
	o.mu.Lock()
	setup := o.setupCtx
	o.mu.Unlock()
	return setup != nil && setup.Err() != nil
}

// setupContext returns the context that bounds connection setup. It falls
// back to ctx for connections dispatched without Start.
func (o *Orchestrator) setupContext(ctx context.Context) context.Context {
	o.mu.Lock()
	setup := o.setupCtx
	o.mu.Unlock()
	if setup == nil {
		return ctx
	}
	return setup
}

// fail logs a failed transition out of state and counts it. Failures
// caused by shutdown are logged at Info and not counted.
func (o *Orchestrator) fail(logger *slog.Logger, state State, err error) {
	if o.shuttingDown() {
		logger.Info("connection aborted during setup", "state", state.String(), "error", err)
		return
	}
	kind := errorKind(state, err)
	o.observeError(kind)
	logger.Error("connection failed", "state", state.String(), "kind", kind, "error", err)
}

func errorKind(state State, err error) string {
	switch {
	case errors.Is(err, ErrUnknownTag), errors.Is(err, ErrShortTag):
		return "protocol"
	case errors.Is(err, endpoint.ErrHandshake):
		return "handshake"
	case state == StateAccepted:
		return "resolve"
	case state == StateTargetResolved:
		return "connect"
	default:
		return "setup"
	}
}

func (o *Orchestrator) observeError(kind string) {
	if o.opts.Observer != nil {
		o.opts.Observer.Error(kind)
	}
}

// taps combines byte counting and the optional audit log.
func (o *Orchestrator) taps(logger *slog.Logger, in *conn.Conn, at time.Time) (pump.Taps, *audit.Log) {
	var alog *audit.Log
	if o.opts.Recorder != nil {
		var err error
		alog, err = o.opts.Recorder.Open(in.LocalAddr().String(), in.RemoteAddr().String(), at)
		if err != nil {
			logger.Warn("audit log unavailable", "error", err)
			alog = nil
		}
	}
	obs := o.opts.Observer
	if alog == nil && obs == nil {
		return pump.Taps{}, nil
	}

	return pump.Taps{
		Request: func(p []byte) {
			if obs != nil {
				obs.Bytes("request", len(p))
			}
			if alog != nil {
				alog.Request(p)
			}
		},
		Response: func(p []byte) {
			if obs != nil {
				obs.Bytes("response", len(p))
			}
			if alog != nil {
				alog.Response(p)
			}
		},
	}, alog
}

func (o *Orchestrator) register(ctx context.Context, logger *slog.Logger, s registry.Session) {
	if o.opts.Registry == nil {
		return
	}
	if err := o.opts.Registry.Add(ctx, s); err != nil {
		logger.Warn("registry add failed", "error", err)
	}
}

func (o *Orchestrator) unregister(ctx context.Context, logger *slog.Logger, id string) {
	if o.opts.Registry == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.opts.Registry.Remove(rctx, id); err != nil {
		logger.Warn("registry remove failed", "error", err)
	}
}

var _ listener.Handler = (*Orchestrator)(nil)
