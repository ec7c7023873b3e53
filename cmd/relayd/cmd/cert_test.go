package cmd

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/plexsphere/relayd/internal/trust"
)

func TestCertCreateAndInspect(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, "cert", "create", "--cn", "edge", "--org", "relayd-test",
		"--host", "edge.internal", "--host", "127.0.0.1", "--out-dir", dir, "--name", "edge")
	require.NoError(t, err, output)

	certPath := filepath.Join(dir, "edge.crt")
	keyPath := filepath.Join(dir, "edge.key")
	assert.Contains(t, output, certPath)
	assert.Contains(t, output, keyPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	certs, err := parseCertificates(data)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	leaf := certs[0]
	assert.Equal(t, "CN=edge,O=relayd-test", trust.Subject(leaf))

	output, err = execute(t, "cert", "inspect", certPath)
	require.NoError(t, err, output)
	assert.Contains(t, output, "subject:    CN=edge,O=relayd-test")
	assert.Contains(t, output, trust.Fingerprint(leaf))
	assert.Contains(t, output, trust.Fingerprint256(leaf))
	assert.Contains(t, output, "edge.internal, 127.0.0.1")

	_, ruleYAML, ok := strings.Cut(output, "rule:\n")
	require.True(t, ok, output)
	var rules []trust.CertRule
	require.NoError(t, yaml.Unmarshal([]byte(ruleYAML), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, trust.MaskChainErrors, rules[0].Ignore)

	p := trust.NewPolicy(rules, discardLogger())
	assert.True(t, p.Evaluate(leaf, trust.ChainInvalid), "printed rule should pin the certificate")
}

func TestCertCreate_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "cert", "create", "--out-dir", dir)
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(dir, "relayd.crt"))
	require.NoError(t, err)

	_, err = execute(t, "cert", "create", "--out-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	after, err := os.ReadFile(filepath.Join(dir, "relayd.crt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = execute(t, "cert", "create", "--out-dir", dir, "--force")
	require.NoError(t, err)
	replaced, err := os.ReadFile(filepath.Join(dir, "relayd.crt"))
	require.NoError(t, err)
	assert.NotEqual(t, before, replaced)
}

func TestCertInspect_Errors(t *testing.T) {
	_, err := execute(t, "cert", "inspect", filepath.Join(t.TempDir(), "missing.crt"))
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(notPEM, []byte("hello"), 0o600))
	_, err = execute(t, "cert", "inspect", notPEM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no PEM certificate")

	_, err = execute(t, "cert", "inspect")
	assert.Error(t, err, "inspect requires a file argument")
}

func TestParseCertificates_SkipsKeys(t *testing.T) {
	certPEM, keyPEM, err := trust.GenerateSelfSigned(trust.SelfSignedOptions{CommonName: "a"})
	require.NoError(t, err)

	certs, err := parseCertificates(append(append([]byte{}, keyPEM...), certPEM...))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.IsType(t, &x509.Certificate{}, certs[0])
}
