package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/plexsphere/relayd/internal/fsutil"
	"github.com/plexsphere/relayd/internal/trust"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Certificate helpers",
	Long:  "Inspect certificates and create self-signed certificates for relayd links.",
}

var certInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the attributes a certificate rule can match",
	Long: "Print the subject, hashes and public key of every certificate in a PEM file,\n" +
		"followed by a certificate rule that pins the first one.",
	Args: cobra.ExactArgs(1),
	RunE: runCertInspect,
}

var (
	certCommonName string
	certOrg        string
	certHosts      []string
	certValidFor   time.Duration
	certOutDir     string
	certName       string
	certForce      bool
)

var certCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a self-signed certificate",
	Long: "Create a self-signed ECDSA certificate and key usable for both ends of a\n" +
		"TLS link and print the rule that pins it.",
	Args: cobra.NoArgs,
	RunE: runCertCreate,
}

func init() {
	certCreateCmd.Flags().StringVar(&certCommonName, "cn", "relayd", "subject common name")
	certCreateCmd.Flags().StringVar(&certOrg, "org", "", "subject organization")
	certCreateCmd.Flags().StringSliceVar(&certHosts, "host", nil, "DNS name or IP address to include (repeatable)")
	certCreateCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	certCreateCmd.Flags().StringVar(&certOutDir, "out-dir", ".", "output directory")
	certCreateCmd.Flags().StringVar(&certName, "name", "relayd", "file name prefix; writes <name>.crt and <name>.key")
	certCreateCmd.Flags().BoolVar(&certForce, "force", false, "overwrite existing files")

	certCmd.AddCommand(certInspectCmd)
	certCmd.AddCommand(certCreateCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("relayd cert inspect: %w", err)
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return fmt.Errorf("relayd cert inspect: %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	for i, c := range certs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := printCertificate(out, c); err != nil {
			return fmt.Errorf("relayd cert inspect: %w", err)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "rule:")
	return printRule(out, certs[0])
}

func runCertCreate(cmd *cobra.Command, _ []string) error {
	certPEM, keyPEM, err := trust.GenerateSelfSigned(trust.SelfSignedOptions{
		CommonName:   certCommonName,
		Organization: certOrg,
		Hosts:        certHosts,
		ValidFor:     certValidFor,
	})
	if err != nil {
		return fmt.Errorf("relayd cert create: %w", err)
	}

	certPath := filepath.Join(certOutDir, certName+".crt")
	keyPath := filepath.Join(certOutDir, certName+".key")
	if err := fsutil.WriteFileAtomic(certPath, certPEM, 0o644, !certForce); err != nil {
		return fmt.Errorf("relayd cert create: %w", existHint(err))
	}
	if err := fsutil.WriteFileAtomic(keyPath, keyPEM, 0o600, !certForce); err != nil {
		return fmt.Errorf("relayd cert create: %w", existHint(err))
	}

	certs, err := parseCertificates(certPEM)
	if err != nil {
		return fmt.Errorf("relayd cert create: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %s\nwrote %s\n\nrule:\n", certPath, keyPath)
	return printRule(out, certs[0])
}

func existHint(err error) error {
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w (use --force to overwrite)", err)
	}
	return err
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}

func printCertificate(w io.Writer, c *x509.Certificate) error {
	key, err := trust.PublicKeyHex(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "subject:    %s\n", trust.Subject(c))
	fmt.Fprintf(w, "issuer:     %s\n", c.Issuer.String())
	fmt.Fprintf(w, "serial:     %s\n", c.SerialNumber.String())
	fmt.Fprintf(w, "not before: %s\n", c.NotBefore.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "not after:  %s\n", c.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "hash:       %s\n", trust.Fingerprint(c))
	fmt.Fprintf(w, "sha256:     %s\n", trust.Fingerprint256(c))
	fmt.Fprintf(w, "public key: %s\n", key)

	var sans []string
	sans = append(sans, c.DNSNames...)
	for _, ip := range c.IPAddresses {
		sans = append(sans, ip.String())
	}
	if len(sans) > 0 {
		fmt.Fprintf(w, "names:      %s\n", strings.Join(sans, ", "))
	}
	return nil
}

// printRule writes a YAML certificate rule pinning c by hash. Chain errors
// are tolerated since pinned certificates are usually self-signed.
func printRule(w io.Writer, c *x509.Certificate) error {
	rule := []trust.CertRule{{
		Subject: trust.Subject(c),
		Hash:    trust.Fingerprint(c),
		Ignore:  trust.MaskChainErrors,
	}}
	data, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = w.Write(data)
	return err
}
