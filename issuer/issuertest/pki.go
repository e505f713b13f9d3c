// Package issuertest provides certificate authorities, device keys and requests for tests
package issuertest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
)

// Authority is a test certificate authority
type Authority struct {
	Certificate *x509.Certificate
	PEM         string
	Key         crypto.Signer
	KeyPEM      string
	ID          string
}

// NewKey returns a new P-256 key
func NewKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// KeyPEM returns the PKCS8 PEM encoding of key
func KeyPEM(t testing.TB, key crypto.Signer) string {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// NewAuthority returns a self signed certificate authority
func NewAuthority(t testing.TB, commonName string) *Authority {
	key := NewKey(t)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Authority{
		Certificate: cert,
		PEM:         issuer.EncodeCertificate(der),
		Key:         key,
		KeyPEM:      KeyPEM(t, key),
		ID:          issuer.CertificateID(der),
	}
}

// Issue signs a client certificate for the public key of key
func (a *Authority) Issue(t testing.TB, key crypto.Signer, commonName string) string {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.Certificate, key.Public(), a.Key)
	require.NoError(t, err)
	return issuer.EncodeCertificate(der)
}

// CSR returns a PEM encoded certificate request for key
func CSR(t testing.TB, key crypto.Signer, commonName string) string {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName, Organization: []string{"Test"}},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

// StaticKeys is a KeySource over a fixed set of authorities
type StaticKeys map[string]crypto.Signer

// AuthorityKey implements issuer.KeySource
func (s StaticKeys) AuthorityKey(_ context.Context, authorityID string) (crypto.Signer, error) {
	key, ok := s[authorityID]
	if !ok {
		return nil, issuer.ErrNotFound
	}
	return key, nil
}

// NewService returns an issuer backed by a memory registry which knows the authorities.
// The keys of all authorities are available for signing.
func NewService(t testing.TB, authorities ...*Authority) (*issuer.Adapter, *issuer.MemoryRegistry) {
	registry := issuer.NewMemoryRegistry()
	keys := StaticKeys{}
	for _, a := range authorities {
		_, err := registry.AddAuthority(context.Background(), a.PEM)
		require.NoError(t, err)
		keys[a.ID] = a.Key
	}
	ca := &issuer.LocalCA{Authorities: registry, Keys: keys}
	return issuer.New(ca, registry, registry), registry
}

// RegisterVendorCertificate issues a vendor certificate for the device and registers it
// active and bound to the device
func RegisterVendorCertificate(t testing.TB, registry issuer.Inventory, vendor *Authority, key crypto.Signer, serialNumber string) (string, string) {
	ctx := context.Background()
	certPEM := vendor.Issue(t, key, serialNumber)
	id, err := registry.Register(ctx, certPEM, vendor.PEM)
	require.NoError(t, err)
	require.NoError(t, registry.Activate(ctx, id))
	require.NoError(t, registry.Bind(ctx, serialNumber, id))
	return id, certPEM
}

// ServerCertificate issues a TLS server certificate for localhost and 127.0.0.1
func (a *Authority) ServerCertificate(t testing.TB) tls.Certificate {
	key := NewKey(t)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.Certificate, key.Public(), a.Key)
	require.NoError(t, err)
	return TLSCertificate(t, issuer.EncodeCertificate(der), key)
}

// TLSCertificate pairs a PEM certificate with its key
func TLSCertificate(t testing.TB, certPEM string, key crypto.Signer) tls.Certificate {
	crt, err := tls.X509KeyPair([]byte(certPEM), []byte(KeyPEM(t, key)))
	require.NoError(t, err)
	return crt
}

// Pool returns a certificate pool of the authorities
func Pool(authorities ...*Authority) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, a := range authorities {
		pool.AddCert(a.Certificate)
	}
	return pool
}
