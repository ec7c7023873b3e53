package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/plexsphere/relayd/internal/conn"
	"github.com/plexsphere/relayd/internal/trust"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEcho starts an echo server, wrapping accepted connections in TLS when
// tlsCfg is non-nil. It returns the listening port.
func startEcho(t *testing.T, tlsCfg *tls.Config) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func testPair(t *testing.T, hosts ...string) (tls.Certificate, string) {
	t.Helper()
	certPEM, keyPEM, err := trust.GenerateSelfSigned(trust.SelfSignedOptions{CommonName: "echo", Hosts: hosts})
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return pair, trust.Fingerprint(leaf)
}

func roundTrip(t *testing.T, c *conn.Conn, msg string) {
	t.Helper()
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"valid", Target{Host: "127.0.0.1", Port: 80}, false},
		{"missing host", Target{Port: 80}, true},
		{"bad port", Target{Host: "h", Port: 70000}, true},
		{"cert without key", Target{Host: "h", Port: 1, TLS: true, CertFile: "c.pem"}, true},
		{"cert without tls", Target{Host: "h", Port: 1, CertFile: "c.pem", KeyFile: "k.pem"}, true},
		{"bad expected cert", Target{Host: "h", Port: 1, TLS: true, ExpectedCert: &trust.CertRule{Hash: "xyz"}}, true},
		{"tls with rule", Target{Host: "h", Port: 1, TLS: true, ExpectedCert: &trust.CertRule{Ignore: trust.MaskAll}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTarget_ApplyDefaults(t *testing.T) {
	tg := Target{Host: "svc.internal", Port: 443}
	tg.ApplyDefaults()
	if tg.DialTimeout != DefaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", tg.DialTimeout, DefaultDialTimeout)
	}
	if tg.ServerName != "svc.internal" {
		t.Errorf("ServerName = %q, want svc.internal", tg.ServerName)
	}
	if tg.Addr() != "svc.internal:443" {
		t.Errorf("Addr = %q", tg.Addr())
	}
}

func TestEndpoint_ConnectPlain(t *testing.T) {
	port := startEcho(t, nil)
	ep := New(Target{Host: "127.0.0.1", Port: port}, Options{Timeouts: conn.Timeouts{Idle: time.Minute}}, discardLogger())

	c, err := ep.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	roundTrip(t, c, "PING")
}

func TestEndpoint_ConnectTLS(t *testing.T) {
	pair, hash := testPair(t, "echo.internal")
	port := startEcho(t, &tls.Config{Certificates: []tls.Certificate{pair}})

	t.Run("expected hash with ignored errors", func(t *testing.T) {
		ep := New(Target{
			Host:         "127.0.0.1",
			Port:         port,
			TLS:          true,
			ExpectedCert: &trust.CertRule{Hash: hash, Ignore: trust.MaskAll},
		}, Options{}, discardLogger())

		c, err := ep.Connect(context.Background())
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer c.Close()
		roundTrip(t, c, "secure")
	})

	t.Run("unrelated hash", func(t *testing.T) {
		_, other := testPair(t, "other")
		ep := New(Target{
			Host:         "127.0.0.1",
			Port:         port,
			TLS:          true,
			ExpectedCert: &trust.CertRule{Hash: other, Ignore: trust.MaskAll},
		}, Options{}, discardLogger())

		_, err := ep.Connect(context.Background())
		if !errors.Is(err, ErrHandshake) {
			t.Fatalf("Connect error = %v, want ErrHandshake", err)
		}
		if !errors.Is(err, trust.ErrRejected) {
			t.Errorf("Connect error = %v, want trust.ErrRejected in chain", err)
		}
	})

	t.Run("default policy rejects self-signed", func(t *testing.T) {
		ep := New(Target{Host: "127.0.0.1", Port: port, TLS: true, ServerName: "echo.internal"}, Options{}, discardLogger())
		if _, err := ep.Connect(context.Background()); !errors.Is(err, ErrHandshake) {
			t.Fatalf("Connect error = %v, want ErrHandshake", err)
		}
	})
}

func TestEndpoint_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ep := New(Target{Host: "127.0.0.1", Port: port, DialTimeout: time.Second}, Options{}, discardLogger())
	if _, err := ep.Connect(context.Background()); err == nil {
		t.Fatal("Connect to a closed port should fail")
	}
}

func TestEndpoint_CloneAndClose(t *testing.T) {
	port := startEcho(t, nil)
	tmpl := New(Target{Host: "127.0.0.1", Port: port}, Options{}, discardLogger())
	clone := tmpl.Clone()

	if clone.Target().Addr() != "127.0.0.1:"+strconv.Itoa(port) {
		t.Errorf("clone target = %s", clone.Target().Addr())
	}

	if err := clone.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := clone.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := clone.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect on closed clone = %v, want ErrClosed", err)
	}

	c, err := tmpl.Connect(context.Background())
	if err != nil {
		t.Fatalf("template should stay usable after clone Close: %v", err)
	}
	c.Close()
}

func TestEndpoint_IndependentConnections(t *testing.T) {
	port := startEcho(t, nil)
	tmpl := New(Target{Host: "127.0.0.1", Port: port}, Options{}, discardLogger())

	a, err := tmpl.Clone().Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	defer a.Close()
	b, err := tmpl.Clone().Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	defer b.Close()

	if a.LocalAddr().String() == b.LocalAddr().String() {
		t.Error("each Connect should create a distinct physical connection")
	}
	a.Close()
	roundTrip(t, b, "still alive")
}
