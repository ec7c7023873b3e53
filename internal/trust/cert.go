package trust

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Fingerprint returns the certificate hash CertRule.Hash is matched against:
// the upper-case hex SHA-1 digest of the DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Fingerprint256 returns the upper-case hex SHA-256 digest of the DER encoding.
// It is only used for diagnostics.
func Fingerprint256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// PublicKeyHex returns the upper-case hex encoding of the subjectPublicKey
// bit string inside the certificate's SubjectPublicKeyInfo. This is the raw
// key material (for RSA the PKCS#1 structure, for EC the encoded point),
// without the algorithm identifier.
func PublicKeyHex(cert *x509.Certificate) (string, error) {
	input := cryptobyte.String(cert.RawSubjectPublicKeyInfo)
	var spki, algorithm cryptobyte.String
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) {
		return "", errors.New("trust: malformed subject public key info")
	}
	if !spki.ReadASN1(&algorithm, cbasn1.SEQUENCE) {
		return "", errors.New("trust: malformed public key algorithm")
	}
	var bits asn1.BitString
	if !spki.ReadASN1BitString(&bits) {
		return "", errors.New("trust: malformed subject public key")
	}
	return strings.ToUpper(hex.EncodeToString(bits.Bytes)), nil
}

// Subject returns the distinguished name CertRule.Subject is matched against.
func Subject(cert *x509.Certificate) string {
	return cert.Subject.String()
}

// normalizeHex strips separators commonly pasted from certificate viewers
// ("AB:CD", "ab cd") so hex attributes compare on their value.
func normalizeHex(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t':
			return -1
		}
		return r
	}, s)
}

// certAttrs returns the structured dump logged when a certificate is rejected.
func certAttrs(cert *x509.Certificate) []any {
	if cert == nil {
		return []any{"certificate", "none"}
	}
	attrs := []any{
		"subject", Subject(cert),
		"issuer", cert.Issuer.String(),
		"serial", cert.SerialNumber.String(),
		"hash", Fingerprint(cert),
		"sha256", Fingerprint256(cert),
		"not_before", cert.NotBefore,
		"not_after", cert.NotAfter,
	}
	if len(cert.DNSNames) > 0 {
		attrs = append(attrs, "dns_names", cert.DNSNames)
	}
	return attrs
}

func logRejection(logger *slog.Logger, cert *x509.Certificate, errs Errors) {
	args := append([]any{"component", "trust", "errors", errs.String()}, certAttrs(cert)...)
	logger.Error("certificate rejected", args...)
}
