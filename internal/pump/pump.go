// Package pump relays bytes between two open streams.
//
// A Pump copies one direction. A Session owns the two pumps of a forwarded
// connection and tears both streams down as soon as either direction ends.
package pump

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// BufferSize is the size of the per-pump read buffer.
const BufferSize = 16383

// Tap observes every chunk read by a pump before it is written on. The
// slice is only valid for the duration of the call.
type Tap func(p []byte)

// Pump copies src to dst until either side fails or Close is called.
type Pump struct {
	src    io.ReadCloser
	dst    io.WriteCloser
	label  string
	tap    Tap
	logger *slog.Logger

	bytes     atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
	err       error // valid after done is closed
}

// Start begins pumping immediately. The pump owns src and dst: when it
// terminates, for whatever reason, both are closed.
func Start(src io.ReadCloser, dst io.WriteCloser, label string, tap Tap, logger *slog.Logger) *Pump {
	p := &Pump{
		src:    src,
		dst:    dst,
		label:  label,
		tap:    tap,
		logger: logger.With("component", "pump", "direction", label),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pump) run() {
	err := p.copy()
	p.closeStreams()

	switch {
	case err == nil || IsNormalTermination(err):
		p.logger.Debug("pump finished", "bytes", p.bytes.Load(), "reason", reason(err))
		err = nil
	default:
		p.logger.Error("pump failed", "bytes", p.bytes.Load(), "error", err)
	}
	p.err = err
	close(p.done)
}

// copy runs one read at a time and writes exactly the bytes it read.
func (p *Pump) copy() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pump: %s: panic: %v", p.label, r)
		}
	}()

	buf := make([]byte, BufferSize)
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 {
			if p.tap != nil {
				p.tap(buf[:n])
			}
			if _, werr := p.dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("pump: %s: write: %w", p.label, werr)
			}
			p.bytes.Add(int64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("pump: %s: read: %w", p.label, rerr)
		}
	}
}

func (p *Pump) closeStreams() {
	p.closeOnce.Do(func() {
		p.src.Close()
		p.dst.Close()
	})
}

// Done is closed once the pump has terminated and both streams are closed.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that terminated the pump, or nil for a normal
// termination. It blocks until Done is closed.
func (p *Pump) Err() error {
	<-p.done
	return p.err
}

// Bytes returns the number of bytes written to the destination so far.
func (p *Pump) Bytes() int64 {
	return p.bytes.Load()
}

// Label returns the direction label the pump was started with.
func (p *Pump) Label() string {
	return p.label
}

// Close force-terminates the pump by closing both streams, then waits for
// the pump goroutine to exit. It is idempotent.
func (p *Pump) Close() error {
	p.closeStreams()
	<-p.done
	return nil
}

// IsNormalTermination reports whether err is an expected way for a stream
// to end: end of stream, a closed connection, a timeout or a peer reset.
func IsNormalTermination(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func reason(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}
