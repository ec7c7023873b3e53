// Package trust decides whether a TLS peer certificate is acceptable.
//
// A Policy is an ordered list of CertRules. The rules are evaluated against
// the peer certificate and the set of validation errors the platform
// verifier reported; the first rule that tolerates the residual errors and
// matches every attribute it names accepts the peer.
package trust

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Validator is the capability a TLS handshake needs from a trust policy.
type Validator interface {
	Evaluate(cert *x509.Certificate, errs Errors) bool
}

// CertRule describes one acceptable peer certificate. Empty attributes are
// not checked, so a rule with only Ignore set accepts any certificate whose
// residual error set is empty.
type CertRule struct {
	// Subject must equal the certificate subject distinguished name,
	// e.g. "CN=api.internal,O=Example".
	Subject string `yaml:"subject"`

	// Hash is the SHA-1 certificate fingerprint in hex.
	Hash string `yaml:"hash"`

	// PublicKey is the hex encoded subject public key.
	PublicKey string `yaml:"public_key"`

	// Ignore lists the validation errors this rule tolerates.
	// Default: none
	Ignore ErrorMask `yaml:"ignore"`
}

// IsZero reports whether the rule names no attribute and tolerates nothing.
func (r CertRule) IsZero() bool {
	return r.Subject == "" && r.Hash == "" && r.PublicKey == "" && r.Ignore == MaskNone
}

// Validate checks that hex attributes are well formed.
func (r CertRule) Validate() error {
	if r.Hash != "" {
		if _, err := hex.DecodeString(normalizeHex(r.Hash)); err != nil {
			return fmt.Errorf("trust: rule: invalid hash %q: %w", r.Hash, err)
		}
	}
	if r.PublicKey != "" {
		if _, err := hex.DecodeString(normalizeHex(r.PublicKey)); err != nil {
			return fmt.Errorf("trust: rule: invalid public_key: %w", err)
		}
	}
	if r.Ignore > MaskAll {
		return fmt.Errorf("trust: rule: invalid ignore mask %d", r.Ignore)
	}
	return nil
}

// match returns "" when the rule accepts cert with errs, or a short reason
// describing the first failed check.
func (r CertRule) match(cert *x509.Certificate, errs Errors) string {
	if residual := r.Ignore.Apply(errs); residual != None {
		return "residual errors " + residual.String()
	}
	if cert == nil {
		return "no certificate"
	}
	if r.Subject != "" && r.Subject != Subject(cert) {
		return "subject mismatch"
	}
	if r.Hash != "" && !strings.EqualFold(normalizeHex(r.Hash), Fingerprint(cert)) {
		return "hash mismatch"
	}
	if r.PublicKey != "" {
		key, err := PublicKeyHex(cert)
		if err != nil {
			return err.Error()
		}
		if !strings.EqualFold(normalizeHex(r.PublicKey), key) {
			return "public key mismatch"
		}
	}
	return ""
}

// Policy is an ordered, immutable rule list.
type Policy struct {
	rules  []CertRule
	logger *slog.Logger
}

// NewPolicy creates a Policy from rules. A nil or empty rule list yields the
// default policy: accept only certificates with no validation errors.
func NewPolicy(rules []CertRule, logger *slog.Logger) *Policy {
	return &Policy{
		rules:  append([]CertRule(nil), rules...),
		logger: logger,
	}
}

// CertRequired reports whether the peer must present a certificate.
func (p *Policy) CertRequired() bool {
	return len(p.rules) > 0
}

// Rules returns a copy of the policy's rules.
func (p *Policy) Rules() []CertRule {
	return append([]CertRule(nil), p.rules...)
}

// Evaluate decides whether cert, reported with the validation errors errs,
// is acceptable. Rejections are logged with a dump of the certificate.
func (p *Policy) Evaluate(cert *x509.Certificate, errs Errors) bool {
	if len(p.rules) == 0 {
		if errs == None {
			return true
		}
		logRejection(p.logger, cert, errs)
		return false
	}

	for i, rule := range p.rules {
		reason := rule.match(cert, errs)
		if reason == "" {
			p.logger.Debug("certificate accepted",
				"component", "trust",
				"rule", i,
				"subject", subjectOf(cert),
				"errors", errs.String(),
			)
			return true
		}
		p.logger.Debug("certificate rule failed",
			"component", "trust",
			"rule", i,
			"reason", reason,
		)
	}

	logRejection(p.logger, cert, errs)
	return false
}

func subjectOf(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return Subject(cert)
}

var _ Validator = (*Policy)(nil)
