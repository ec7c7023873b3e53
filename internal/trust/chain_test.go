package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestClassifyChain(t *testing.T) {
	_, leaf := testCert(t, "svc", "svc.internal", "127.0.0.1")
	roots := x509.NewCertPool()
	roots.AddCert(leaf)

	tests := []struct {
		name       string
		certs      []*x509.Certificate
		roots      *x509.CertPool
		serverName string
		want       Errors
	}{
		{"no certificate", nil, roots, "svc.internal", NotAvailable},
		{"trusted and matching", []*x509.Certificate{leaf}, roots, "svc.internal", None},
		{"trusted ip", []*x509.Certificate{leaf}, roots, "127.0.0.1", None},
		{"trusted name mismatch", []*x509.Certificate{leaf}, roots, "other.internal", NameMismatch},
		{"untrusted", []*x509.Certificate{leaf}, x509.NewCertPool(), "svc.internal", ChainInvalid},
		{"untrusted mismatch", []*x509.Certificate{leaf}, x509.NewCertPool(), "other", ChainInvalid | NameMismatch},
		{"no name check", []*x509.Certificate{leaf}, roots, "", None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyChain(tt.certs, tt.roots, tt.serverName, x509.ExtKeyUsageServerAuth)
			if got != tt.want {
				t.Errorf("ClassifyChain = %s, want %s", got, tt.want)
			}
		})
	}
}

// handshake runs a TLS handshake over loopback TCP and returns the client
// and server errors.
func handshake(t *testing.T, clientCfg, serverCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		server := tls.Server(c, serverCfg)
		c.SetDeadline(time.Now().Add(5 * time.Second))
		done <- server.Handshake()
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := tls.Client(c, clientCfg)
	c.SetDeadline(time.Now().Add(5 * time.Second))
	clientErr = client.Handshake()
	if clientErr == nil {
		// Drain until the server hangs up so neither side closes with
		// unread data queued.
		_, _ = io.Copy(io.Discard, client)
	}
	c.Close()
	serverErr = <-done
	return clientErr, serverErr
}

func TestHandshake_IgnoreAllAcceptsMatchingHash(t *testing.T) {
	pair, leaf := testCert(t, "svc", "svc.internal")

	// The certificate is self-signed and not in roots, and the server name
	// does not match, so the verifier reports both chain and name errors.
	p := NewPolicy([]CertRule{{Hash: Fingerprint(leaf), Ignore: MaskAll}}, discardLogger())
	clientErr, serverErr := handshake(t,
		p.ClientConfig("wrong.internal", x509.NewCertPool(), nil),
		NewPolicy(nil, discardLogger()).ServerConfig(pair, nil),
	)
	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
}

func TestHandshake_UnrelatedHashRejected(t *testing.T) {
	pair, _ := testCert(t, "svc", "svc.internal")
	_, other := testCert(t, "other")

	p := NewPolicy([]CertRule{{Hash: Fingerprint(other), Ignore: MaskAll}}, discardLogger())
	clientErr, _ := handshake(t,
		p.ClientConfig("wrong.internal", x509.NewCertPool(), nil),
		NewPolicy(nil, discardLogger()).ServerConfig(pair, nil),
	)
	if !errors.Is(clientErr, ErrRejected) {
		t.Fatalf("client handshake error = %v, want ErrRejected", clientErr)
	}
}

func TestHandshake_DefaultPolicyRejectsSelfSigned(t *testing.T) {
	pair, _ := testCert(t, "svc", "svc.internal")

	clientErr, _ := handshake(t,
		NewPolicy(nil, discardLogger()).ClientConfig("svc.internal", x509.NewCertPool(), nil),
		NewPolicy(nil, discardLogger()).ServerConfig(pair, nil),
	)
	if !errors.Is(clientErr, ErrRejected) {
		t.Fatalf("client handshake error = %v, want ErrRejected", clientErr)
	}
}

func TestHandshake_ClientCertificateRequired(t *testing.T) {
	serverPair, serverLeaf := testCert(t, "svc", "svc.internal")
	clientPair, clientLeaf := testCert(t, "client")
	_, stranger := testCert(t, "stranger")

	clientPolicy := NewPolicy([]CertRule{{Hash: Fingerprint(serverLeaf), Ignore: MaskAll}}, discardLogger())

	t.Run("accepted", func(t *testing.T) {
		serverPolicy := NewPolicy([]CertRule{{Subject: Subject(clientLeaf), Ignore: MaskChainErrors}}, discardLogger())
		clientErr, serverErr := handshake(t,
			clientPolicy.ClientConfig("svc.internal", nil, &clientPair),
			serverPolicy.ServerConfig(serverPair, x509.NewCertPool()),
		)
		if clientErr != nil || serverErr != nil {
			t.Fatalf("handshake: client=%v server=%v", clientErr, serverErr)
		}
	})

	t.Run("missing client certificate", func(t *testing.T) {
		serverPolicy := NewPolicy([]CertRule{{Subject: Subject(clientLeaf), Ignore: MaskAll}}, discardLogger())
		_, serverErr := handshake(t,
			clientPolicy.ClientConfig("svc.internal", nil, nil),
			serverPolicy.ServerConfig(serverPair, x509.NewCertPool()),
		)
		if serverErr == nil {
			t.Fatal("server should fail without a client certificate")
		}
	})

	t.Run("wrong client certificate", func(t *testing.T) {
		serverPolicy := NewPolicy([]CertRule{{Hash: Fingerprint(stranger), Ignore: MaskAll}}, discardLogger())
		_, serverErr := handshake(t,
			clientPolicy.ClientConfig("svc.internal", nil, &clientPair),
			serverPolicy.ServerConfig(serverPair, x509.NewCertPool()),
		)
		if !errors.Is(serverErr, ErrRejected) {
			t.Fatalf("server handshake error = %v, want ErrRejected", serverErr)
		}
	})
}
