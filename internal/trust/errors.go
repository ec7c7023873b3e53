package trust

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRejected is returned by VerifyConnection hooks when no rule accepts the peer.
var ErrRejected = errors.New("trust: peer certificate rejected")

// Errors is a set of certificate validation failures observed during a
// TLS handshake, before any rule has been applied.
type Errors uint8

const (
	// NotAvailable means the peer presented no certificate.
	NotAvailable Errors = 1 << iota
	// NameMismatch means the certificate does not cover the expected name.
	NameMismatch
	// ChainInvalid means the certificate chain could not be built to a
	// trusted root, or a certificate in it is expired or unusable.
	ChainInvalid
)

// None is the empty error set.
const None Errors = 0

// Has reports whether every bit of flag is set in e.
func (e Errors) Has(flag Errors) bool { return e&flag == flag && flag != 0 }

// String renders the set as "NameMismatch|ChainErrors", or "None".
func (e Errors) String() string {
	if e == None {
		return "None"
	}
	var parts []string
	if e.Has(NotAvailable) {
		parts = append(parts, "NotAvailable")
	}
	if e.Has(NameMismatch) {
		parts = append(parts, "NameMismatch")
	}
	if e.Has(ChainInvalid) {
		parts = append(parts, "ChainErrors")
	}
	return strings.Join(parts, "|")
}

// ErrorMask selects which validation errors a CertRule tolerates.
// NotAvailable is never maskable: a rule cannot match a missing certificate.
type ErrorMask uint8

const (
	// MaskNone tolerates no validation error.
	MaskNone ErrorMask = 0

	// MaskNameMismatch tolerates a host name mismatch.
	MaskNameMismatch ErrorMask = ErrorMask(NameMismatch)

	// MaskChainErrors tolerates an untrusted or invalid chain.
	MaskChainErrors ErrorMask = ErrorMask(ChainInvalid)

	// MaskAll tolerates both name and chain errors.
	MaskAll ErrorMask = MaskNameMismatch | MaskChainErrors
)

// Apply returns errs with the masked errors removed.
func (m ErrorMask) Apply(errs Errors) Errors {
	return errs &^ (Errors(m) & (NameMismatch | ChainInvalid))
}

func (m ErrorMask) String() string {
	switch m {
	case MaskNone:
		return "none"
	case MaskNameMismatch:
		return "name_mismatch"
	case MaskChainErrors:
		return "chain_errors"
	case MaskAll:
		return "all"
	default:
		return fmt.Sprintf("ErrorMask(%d)", uint8(m))
	}
}

// ParseErrorMask parses the textual form used in configuration files.
func ParseErrorMask(s string) (ErrorMask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MaskNone, nil
	case "name_mismatch", "namemismatch":
		return MaskNameMismatch, nil
	case "chain_errors", "chainerrors":
		return MaskChainErrors, nil
	case "all":
		return MaskAll, nil
	default:
		return MaskNone, fmt.Errorf("trust: invalid ignore mask %q (must be none, name_mismatch, chain_errors or all)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ErrorMask) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ErrorMask) UnmarshalText(text []byte) error {
	v, err := ParseErrorMask(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
