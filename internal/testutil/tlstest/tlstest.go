// Package tlstest issues throwaway certificates for TLS endpoint tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objlink/objlink/internal/transport"
)

// CA is a single-use certificate authority rooted in a temp directory.
type CA struct {
	dir  string
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	path string
}

// New creates a CA whose files live under t.TempDir().
func New(t testing.TB) *CA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "objlink test ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	writePEM(t, path, "CERTIFICATE", der, 0o644)

	return &CA{dir: dir, cert: cert, key: key, path: path}
}

// File returns the CA certificate path.
func (ca *CA) File() string { return ca.path }

// ServerFiles issues a loopback server certificate and returns its cert and
// key paths.
func (ca *CA) ServerFiles(t testing.TB) (string, string) {
	t.Helper()
	return ca.issue(t, "server", x509.ExtKeyUsageServerAuth,
		[]string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback})
}

// ClientFiles issues a client certificate for mutual TLS.
func (ca *CA) ClientFiles(t testing.TB) (string, string) {
	t.Helper()
	return ca.issue(t, "client", x509.ExtKeyUsageClientAuth, nil, nil)
}

// ServerSecurity builds a mutual-TLS server configuration backed by this CA.
func (ca *CA) ServerSecurity(t testing.TB) transport.SecurityConfig {
	t.Helper()
	cert, key := ca.ServerFiles(t)
	return transport.SecurityConfig{
		Mode: transport.SecurityModeProduction,
		TLS: transport.TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CertFile: cert,
			KeyFile:  key,
			CAFile:   ca.path,
		},
	}
}

// ClientSecurity builds the matching mutual-TLS client configuration.
func (ca *CA) ClientSecurity(t testing.TB) transport.SecurityConfig {
	t.Helper()
	cert, key := ca.ClientFiles(t)
	return transport.SecurityConfig{
		Mode: transport.SecurityModeProduction,
		TLS: transport.TLSConfig{
			Enabled:    true,
			Mutual:     true,
			CertFile:   cert,
			KeyFile:    key,
			CAFile:     ca.path,
			ServerName: "localhost",
		},
	}
}

func (ca *CA) issue(t testing.TB, name string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate %s key: %v", name, err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "objlink test " + name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("issue %s cert: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}

	certPath := filepath.Join(ca.dir, name+".pem")
	keyPath := filepath.Join(ca.dir, name+".key")
	writePEM(t, certPath, "CERTIFICATE", der, 0o644)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER, 0o600)
	return certPath, keyPath
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
