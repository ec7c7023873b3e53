package trust

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ClassifyChain verifies the presented chain the way the platform verifier
// would and reports the failures as an error set instead of failing the
// handshake. certs[0] is the leaf. A nil roots pool uses the system roots.
// An empty serverName skips the name check.
func ClassifyChain(certs []*x509.Certificate, roots *x509.CertPool, serverName string, usage x509.ExtKeyUsage) Errors {
	if len(certs) == 0 {
		return NotAvailable
	}
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	errs := None
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}); err != nil {
		errs |= ChainInvalid
	}
	if serverName != "" {
		if err := leaf.VerifyHostname(serverName); err != nil {
			errs |= NameMismatch
		}
	}
	return errs
}

// VerifyConnection returns a tls.Config.VerifyConnection hook that classifies
// the peer chain and asks v for a decision. When required is false a peer
// that presents no certificate is accepted without consulting v.
func VerifyConnection(v Validator, roots *x509.CertPool, serverName string, usage x509.ExtKeyUsage, required bool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 && !required {
			return nil
		}
		errs := ClassifyChain(cs.PeerCertificates, roots, serverName, usage)
		var leaf *x509.Certificate
		if len(cs.PeerCertificates) > 0 {
			leaf = cs.PeerCertificates[0]
		}
		if v.Evaluate(leaf, errs) {
			return nil
		}
		return fmt.Errorf("%w (errors: %s)", ErrRejected, errs)
	}
}

// ClientConfig returns a client tls.Config whose server verification is
// delegated to p. cert, when non-nil, is presented to the server.
func (p *Policy) ClientConfig(serverName string, roots *x509.CertPool, cert *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		// Verification runs in VerifyConnection against the policy.
		InsecureSkipVerify: true,
		VerifyConnection:   VerifyConnection(p, roots, serverName, x509.ExtKeyUsageServerAuth, true),
		MinVersion:         tls.VersionTLS12,
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg
}

// ServerConfig returns a server tls.Config presenting cert. A client
// certificate is requested and evaluated only when p.CertRequired().
func (p *Policy) ServerConfig(cert tls.Certificate, roots *x509.CertPool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if p.CertRequired() {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyConnection = VerifyConnection(p, roots, "", x509.ExtKeyUsageClientAuth, true)
	}
	return cfg
}
