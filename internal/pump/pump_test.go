package pump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("Accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// countingCloser counts Close calls on the wrapped stream.
type countingCloser struct {
	io.ReadWriteCloser
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return c.ReadWriteCloser.Close()
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }
func (w failingWriter) Close() error              { return nil }

func TestPump_CopiesExactBytes(t *testing.T) {
	srcWriter, srcReader := tcpPair(t)
	dstWriter, dstReader := tcpPair(t)

	var (
		mu     sync.Mutex
		tapped bytes.Buffer
		chunks []int
	)
	tap := func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		tapped.Write(p)
		chunks = append(chunks, len(p))
	}

	p := Start(srcReader, dstWriter, "request", tap, discardLogger())

	want := payload(3*BufferSize + 17)
	go func() {
		srcWriter.Write(want)
		srcWriter.Close()
	}()

	got, err := io.ReadAll(dstReader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	<-p.Done()

	if !bytes.Equal(got, want) {
		t.Fatalf("received %d bytes, want %d identical bytes", len(got), len(want))
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if p.Bytes() != int64(len(want)) {
		t.Errorf("Bytes() = %d, want %d", p.Bytes(), len(want))
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(tapped.Bytes(), want) {
		t.Error("tap should observe exactly the bytes forwarded")
	}
	for _, n := range chunks {
		if n <= 0 || n > BufferSize {
			t.Errorf("tap chunk of %d bytes, want 1..%d", n, BufferSize)
		}
	}
}

func TestPump_PeerCloseClosesBothStreams(t *testing.T) {
	srcWriter, srcReader := tcpPair(t)
	dstWriter, dstReader := tcpPair(t)

	src := &countingCloser{ReadWriteCloser: srcReader}
	dst := &countingCloser{ReadWriteCloser: dstWriter}
	p := Start(src, dst, "request", nil, discardLogger())

	srcWriter.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not finish after peer close")
	}
	if src.closes.Load() != 1 || dst.closes.Load() != 1 {
		t.Errorf("closes = %d/%d, want 1/1", src.closes.Load(), dst.closes.Load())
	}

	dstReader.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := dstReader.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("destination peer Read = %v, want EOF", err)
	}
}

func TestPump_CloseUnblocksRead(t *testing.T) {
	_, srcReader := tcpPair(t)
	dstWriter, _ := tcpPair(t)

	p := Start(srcReader, dstWriter, "response", nil, discardLogger())

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock the pending read")
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err() after Close = %v, want nil", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPump_WriteFailure(t *testing.T) {
	srcWriter, srcReader := tcpPair(t)
	boom := errors.New("disk on fire")

	p := Start(srcReader, failingWriter{err: boom}, "request", nil, discardLogger())
	srcWriter.Write([]byte("x"))

	if err := p.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want %v", err, boom)
	}
}

func TestPump_TapPanicTerminatesPump(t *testing.T) {
	srcWriter, srcReader := tcpPair(t)
	dstWriter, _ := tcpPair(t)

	p := Start(srcReader, dstWriter, "request", func([]byte) { panic("tap") }, discardLogger())
	srcWriter.Write([]byte("x"))

	if err := p.Err(); err == nil {
		t.Fatal("a panicking tap should surface as a pump error")
	}
}

func TestIsNormalTermination(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{io.ErrClosedPipe, true},
		{errors.New("something else"), false},
	}
	for _, tt := range tests {
		if got := IsNormalTermination(tt.err); got != tt.want {
			t.Errorf("IsNormalTermination(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// echoPair returns the inbound side of a session (the client and the
// accepted connection) and the outbound side connected to an echo peer.
func echoPair(t *testing.T) (client, in, out net.Conn) {
	t.Helper()
	client, in = tcpPair(t)
	out, echo := tcpPair(t)
	go func() {
		io.Copy(echo, echo)
		echo.Close()
	}()
	return client, in, out
}

func TestSession_RoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, BufferSize, BufferSize + 1, 1000000} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			client, in, out := echoPair(t)
			s := NewSession(in, out, Taps{}, discardLogger())
			defer s.Close()

			want := payload(size)
			writeErr := make(chan error, 1)
			go func() {
				_, err := client.Write(want)
				writeErr <- err
			}()

			client.SetReadDeadline(time.Now().Add(10 * time.Second))
			got := make([]byte, size)
			if _, err := io.ReadFull(client, got); err != nil {
				t.Fatalf("ReadFull(%d): %v", size, err)
			}
			if err := <-writeErr; err != nil {
				t.Fatalf("Write: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("echoed payload of %d bytes differs", size)
			}

			client.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.WaitUntilClosed(ctx); err != nil {
				t.Fatalf("WaitUntilClosed: %v", err)
			}

			req, resp := s.Bytes()
			if req != int64(size) {
				t.Errorf("request bytes = %d, want %d", req, size)
			}
			if resp > int64(size) {
				t.Errorf("response bytes = %d, want at most %d", resp, size)
			}
		})
	}
}

func TestSession_Taps(t *testing.T) {
	client, in, out := echoPair(t)

	var reqBytes, respBytes atomic.Int64
	s := NewSession(in, out, Taps{
		Request:  func(p []byte) { reqBytes.Add(int64(len(p))) },
		Response: func(p []byte) { respBytes.Add(int64(len(p))) },
	}, discardLogger())
	defer s.Close()

	client.Write([]byte("PING"))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if reqBytes.Load() != 4 || respBytes.Load() != 4 {
		t.Errorf("tapped %d/%d bytes, want 4/4", reqBytes.Load(), respBytes.Load())
	}
}

func TestSession_OutboundCloseEndsSession(t *testing.T) {
	client, in := tcpPair(t)
	out, target := tcpPair(t)

	s := NewSession(in, out, Taps{}, discardLogger())
	defer s.Close()

	target.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitUntilClosed(ctx); err != nil {
		t.Fatalf("WaitUntilClosed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("inbound client should observe the close")
	}
}

func TestSession_WaitHonorsContext(t *testing.T) {
	_, in, out := echoPair(t)
	s := NewSession(in, out, Taps{}, discardLogger())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitUntilClosed(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitUntilClosed = %v, want DeadlineExceeded", err)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	_, inConn := tcpPair(t)
	outConn, _ := tcpPair(t)
	in := &countingCloser{ReadWriteCloser: inConn}
	out := &countingCloser{ReadWriteCloser: outConn}

	s := NewSession(in, out, Taps{}, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()

	if in.closes.Load() != 1 || out.closes.Load() != 1 {
		t.Errorf("closes = %d/%d, want exactly 1/1", in.closes.Load(), out.closes.Load())
	}
}
