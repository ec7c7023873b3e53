// Package listener owns one bound TCP socket and its accept loop.
//
// Every accepted connection is handled on its own goroutine: the socket is
// tuned, the optional TLS server handshake is run against the listener's
// trust policy, and the connection is handed to the Handler. Failures in
// that path are logged and close only the connection concerned; they never
// reach the accept loop.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/trust"
)

var (
	// ErrAlreadyStarted is returned by Start on a listener that was started before.
	ErrAlreadyStarted = errors.New("listener: already started")

	// ErrStartTimeout is returned when the accept loop does not report ready in time.
	ErrStartTimeout = errors.New("listener: start timed out")
)

// Handler receives accepted connections. Connected runs on the
// connection's own goroutine and owns c; the listener closes c again after
// Connected returns.
type Handler interface {
	Connected(ctx context.Context, l *Listener, c *conn.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, l *Listener, c *conn.Conn)

// Connected calls f.
func (f HandlerFunc) Connected(ctx context.Context, l *Listener, c *conn.Conn) { f(ctx, l, c) }

// Observer is notified of handshake outcomes.
type Observer interface {
	Handshake(side string, err error)
}

// Options carries the material loaded outside the package.
type Options struct {
	// ServerCert enables TLS when non-nil.
	ServerCert *tls.Certificate

	// Roots verifies client certificate chains; nil uses the system roots.
	Roots *x509.CertPool

	// Timeouts are applied to every accepted connection.
	Timeouts conn.Timeouts

	// Observer, when non-nil, receives handshake outcomes.
	Observer Observer
}

// Listener accepts inbound connections on one socket.
type Listener struct {
	cfg     Config
	opts    Options
	handler Handler
	logger  *slog.Logger
	policy  *trust.Policy
	tlsCfg  *tls.Config
	limiter *rate.Limiter

	mu      sync.Mutex
	started bool
	ln      net.Listener
	cancel  context.CancelFunc
	done    chan struct{} // closed when the accept loop exits

	active atomic.Int64
	conns  sync.WaitGroup
}

// New creates a Listener. The configuration should already be validated.
func New(cfg Config, opts Options, handler Handler, logger *slog.Logger) *Listener {
	cfg.ApplyDefaults()
	logger = logger.With("component", "listener", "listen_addr", cfg.Addr())

	l := &Listener{
		cfg:     cfg,
		opts:    opts,
		handler: handler,
		logger:  logger,
		policy:  trust.NewPolicy(cfg.AcceptedPeers, logger),
	}
	if opts.ServerCert != nil {
		l.tlsCfg = l.policy.ServerConfig(*opts.ServerCert, opts.Roots)
	}
	if cfg.AcceptRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return l
}

// Config returns the listener configuration with defaults applied.
func (l *Listener) Config() Config {
	return l.cfg
}

// Start binds the socket and launches the accept loop. It returns once the
// loop is running, or with an error if binding fails or the loop does not
// come up within the start timeout. Connections are served with ctx as
// their parent context; Stop does not cancel it.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listener: listen on %s: %w", l.cfg.Addr(), err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	l.ln = ln
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true

	go l.acceptLoop(loopCtx, ctx, ready)

	select {
	case <-ready:
	case <-time.After(l.cfg.StartTimeout):
		cancel()
		ln.Close()
		return fmt.Errorf("%w after %s", ErrStartTimeout, l.cfg.StartTimeout)
	}

	l.logger.Info("listener started",
		"bound_addr", ln.Addr().String(),
		"tls", l.tlsCfg != nil,
		"client_cert_required", l.policy.CertRequired(),
	)
	return nil
}

// Stop closes the socket and waits, bounded by the stop timeout, for the
// accept loop to exit. In-flight connections are left to finish on their
// own. Stop is idempotent and safe to call on a listener never started.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.started || l.cancel == nil {
		l.mu.Unlock()
		return nil
	}
	cancel, ln, done := l.cancel, l.ln, l.done
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	select {
	case <-done:
	case <-time.After(l.cfg.StopTimeout):
		l.logger.Warn("accept loop did not exit within stop timeout", "timeout", l.cfg.StopTimeout)
	}

	l.logger.Info("listener stopped", "active_connections", l.active.Load())
	if err != nil {
		return fmt.Errorf("listener: close %s: %w", l.cfg.Addr(), err)
	}
	return nil
}

// Wait blocks until every connection handed to the handler has returned.
func (l *Listener) Wait() {
	l.conns.Wait()
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Port returns the bound TCP port, falling back to the configured port
// before Start.
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return l.cfg.Port
}

// Active returns the number of connections currently being served.
func (l *Listener) Active() int {
	return int(l.active.Load())
}

// acceptLoop accepts until the socket is closed. serveCtx is the parent of
// every served connection.
func (l *Listener) acceptLoop(ctx, serveCtx context.Context, ready chan<- struct{}) {
	defer close(l.done)
	close(ready)

	var backoff time.Duration
	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
		}

		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if !isTransient(err) {
				l.logger.Error("accept loop terminated", "error", err)
				return
			}
			backoff = nextBackoff(backoff)
			l.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		l.active.Add(1)
		l.conns.Add(1)
		go l.serve(serveCtx, c)
	}
}

// serve prepares one accepted connection and dispatches it to the handler.
func (l *Listener) serve(ctx context.Context, raw net.Conn) {
	defer l.conns.Done()
	defer l.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("connection handler panicked",
				"remote_addr", raw.RemoteAddr().String(),
				"panic", fmt.Sprint(r),
			)
		}
		raw.Close()
	}()

	remote := raw.RemoteAddr().String()
	if err := conn.Tune(raw, l.opts.Timeouts.Idle); err != nil {
		l.logger.Error("socket setup failed", "remote_addr", remote, "error", err)
		return
	}

	var c net.Conn = raw
	if l.tlsCfg != nil {
		tc := tls.Server(raw, l.tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		l.observeHandshake(err)
		if err != nil {
			l.logger.Error("tls handshake failed", "remote_addr", remote, "error", err)
			return
		}
		c = tc
	}

	wc := conn.Wrap(c, l.opts.Timeouts)
	defer wc.Close()

	l.logger.Info("connection accepted",
		"local_addr", wc.LocalAddr().String(),
		"remote_addr", remote,
	)
	l.handler.Connected(ctx, l, wc)
}

func (l *Listener) observeHandshake(err error) {
	if l.opts.Observer != nil {
		l.opts.Observer.Handshake("server", err)
	}
}

// isTransient reports whether an accept error is worth retrying.
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
