package security

import (
	"crypto/x509"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCertAuthorityInitializes(t *testing.T) {
	ca, err := OpenCertAuthority(t.TempDir())
	require.NoError(t, err)
	defer ca.Close()

	root := ca.RootCert()
	require.NotNil(t, root)
	assert.True(t, root.IsCA)
	assert.Equal(t, "chefd Root CA", root.Subject.CommonName)
}

func TestCAPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ca, err := OpenCertAuthority(dir)
	require.NoError(t, err)
	serial := ca.RootCert().SerialNumber.String()
	require.NoError(t, ca.Close())

	reopened, err := OpenCertAuthority(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, serial, reopened.RootCert().SerialNumber.String())
}

func TestIssueServerCertificate(t *testing.T) {
	ca, err := OpenCertAuthority(t.TempDir())
	require.NoError(t, err)
	defer ca.Close()

	cert, err := ca.IssueServerCertificate([]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Contains(t, cert.Leaf.DNSNames, "localhost")
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.NoError(t, ca.VerifyCertificate(cert.Leaf))
}

func TestIssueClientCertificate(t *testing.T) {
	ca, err := OpenCertAuthority(t.TempDir())
	require.NoError(t, err)
	defer ca.Close()

	cert, err := ca.IssueClientCertificate("laptop")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, "cli-laptop", cert.Leaf.Subject.CommonName)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	assert.NoError(t, ca.VerifyCertificate(cert.Leaf))

	cached, ok := ca.GetCachedCert("laptop")
	assert.True(t, ok)
	assert.Equal(t, cert.Leaf.SerialNumber, cached.Cert.SerialNumber)
}

func TestVerifyRejectsForeignCertificate(t *testing.T) {
	ca, err := OpenCertAuthority(t.TempDir())
	require.NoError(t, err)
	defer ca.Close()

	other, err := OpenCertAuthority(t.TempDir())
	require.NoError(t, err)
	defer other.Close()

	cert, err := other.IssueClientCertificate("intruder")
	require.NoError(t, err)
	assert.Error(t, ca.VerifyCertificate(cert.Leaf))
}
