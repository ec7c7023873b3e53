package forward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/endpoint"
	"github.com/plexsphere/relayd/internal/listener"
)

// ErrStarted is returned when a topology is modified after its orchestrator
// has started.
var ErrStarted = errors.New("forward: orchestrator already started")

// Topology decides where an accepted connection is forwarded to.
type Topology interface {
	// Name identifies the topology kind in logs and metrics.
	Name() string

	// ResolveTarget returns a fresh endpoint for the connection accepted on
	// l. The caller closes the returned endpoint.
	ResolveTarget(ctx context.Context, l *listener.Listener, in *conn.Conn) (*endpoint.Endpoint, error)

	// OnConnected runs after the outbound connection exists and before any
	// payload is relayed.
	OnConnected(ctx context.Context, l *listener.Listener, out *conn.Conn) error

	// Endpoints returns the endpoint templates owned by the topology.
	Endpoints() []*endpoint.Endpoint
}

// sealer is implemented by topologies with startup-only tables.
type sealer interface {
	seal()
}

// Redirect forwards every connection to one fixed target.
type Redirect struct {
	template *endpoint.Endpoint
}

// NewRedirect creates a Redirect to template.
func NewRedirect(template *endpoint.Endpoint) *Redirect {
	return &Redirect{template: template}
}

func (r *Redirect) Name() string { return "redirect" }

func (r *Redirect) ResolveTarget(context.Context, *listener.Listener, *conn.Conn) (*endpoint.Endpoint, error) {
	return r.template.Clone(), nil
}

func (r *Redirect) OnConnected(context.Context, *listener.Listener, *conn.Conn) error { return nil }

func (r *Redirect) Endpoints() []*endpoint.Endpoint { return []*endpoint.Endpoint{r.template} }

// Multiplex forwards connections from several listeners to one shared
// target, prefixing every outbound connection with the port of the listener
// that accepted it.
type Multiplex struct {
	template *endpoint.Endpoint
}

// NewMultiplex creates a Multiplex to template.
func NewMultiplex(template *endpoint.Endpoint) *Multiplex {
	return &Multiplex{template: template}
}

func (m *Multiplex) Name() string { return "multiplex" }

func (m *Multiplex) ResolveTarget(context.Context, *listener.Listener, *conn.Conn) (*endpoint.Endpoint, error) {
	return m.template.Clone(), nil
}

// OnConnected writes the origin listener's port as the multiplex tag.
func (m *Multiplex) OnConnected(_ context.Context, l *listener.Listener, out *conn.Conn) error {
	return WriteTag(out, uint32(l.Port()))
}

func (m *Multiplex) Endpoints() []*endpoint.Endpoint { return []*endpoint.Endpoint{m.template} }

// Demultiplex reads the multiplex tag from every accepted connection and
// forwards it to the target registered for that port. Routes are
// registered before the orchestrator starts and are read-only afterwards.
type Demultiplex struct {
	mu     sync.Mutex
	sealed bool
	routes map[uint32]*endpoint.Endpoint
}

// NewDemultiplex creates a Demultiplex with no routes.
func NewDemultiplex() *Demultiplex {
	return &Demultiplex{routes: make(map[uint32]*endpoint.Endpoint)}
}

// Route registers template for tag port. It fails with ErrStarted once the
// orchestrator has started.
func (d *Demultiplex) Route(port uint32, template *endpoint.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sealed {
		return ErrStarted
	}
	if _, ok := d.routes[port]; ok {
		return fmt.Errorf("forward: route for port %d already registered", port)
	}
	d.routes[port] = template
	return nil
}

func (d *Demultiplex) seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

func (d *Demultiplex) Name() string { return "demultiplex" }

// ResolveTarget blocks until the tag has been read from in.
func (d *Demultiplex) ResolveTarget(_ context.Context, _ *listener.Listener, in *conn.Conn) (*endpoint.Endpoint, error) {
	port, err := ReadTag(in)
	if err != nil {
		return nil, err
	}
	// routes is immutable once sealed.
	template, ok := d.routes[port]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, port)
	}
	return template.Clone(), nil
}

func (d *Demultiplex) OnConnected(context.Context, *listener.Listener, *conn.Conn) error { return nil }

// Endpoints returns the route templates ordered by port.
func (d *Demultiplex) Endpoints() []*endpoint.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	ports := make([]uint32, 0, len(d.routes))
	for p := range d.routes {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	eps := make([]*endpoint.Endpoint, 0, len(ports))
	for _, p := range ports {
		eps = append(eps, d.routes[p])
	}
	return eps
}

var (
	_ Topology = (*Redirect)(nil)
	_ Topology = (*Multiplex)(nil)
	_ Topology = (*Demultiplex)(nil)
)
