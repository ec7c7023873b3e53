package pump

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Taps are the optional per-direction observers of a Session.
type Taps struct {
	// Request sees bytes flowing from the inbound to the outbound stream.
	Request Tap

	// Response sees bytes flowing from the outbound to the inbound stream.
	Response Tap
}

// Session relays one inbound connection to one outbound connection.
type Session struct {
	in, out  *onceCloser
	request  *Pump
	response *Pump
}

// NewSession starts the request (in to out) and response (out to in) pumps.
// The session owns both connections; each is closed exactly once, no matter
// how many of the pumps and callers race to close it.
func NewSession(in, out io.ReadWriteCloser, taps Taps, logger *slog.Logger) *Session {
	s := &Session{
		in:  &onceCloser{ReadWriteCloser: in},
		out: &onceCloser{ReadWriteCloser: out},
	}
	s.request = Start(s.in, s.out, "request", taps.Request, logger)
	s.response = Start(s.out, s.in, "response", taps.Response, logger)
	return s
}

// WaitUntilClosed blocks until either pump terminates or ctx is done. By the
// time a pump has terminated both connections are closed, so the other pump
// follows promptly. It returns the first pump's error (nil for a normal
// termination) or ctx.Err().
func (s *Session) WaitUntilClosed(ctx context.Context) error {
	select {
	case <-s.request.Done():
		return s.request.Err()
	case <-s.response.Done():
		return s.response.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both connections and waits for both pumps to exit. It is
// idempotent.
func (s *Session) Close() error {
	s.in.Close()
	s.out.Close()
	s.request.Close()
	s.response.Close()
	return nil
}

// Bytes returns the bytes relayed so far in each direction.
func (s *Session) Bytes() (request, response int64) {
	return s.request.Bytes(), s.response.Bytes()
}

type onceCloser struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ReadWriteCloser.Close()
	})
	return c.err
}
