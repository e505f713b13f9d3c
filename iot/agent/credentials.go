package agent

import (
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/certrotation/issuer"
)

// CredentialStore keeps the device credentials as files in a data directory
//
//	{serial}_ven.key           device private key, shared by both certificates
//	{serial}_ven.pem           vendor certificate, optionally with its CA chain
//	{serial}_man.pem           manufacturer certificate
//	{serial}_man_cert_id.txt   manufacturer certificate id
//	manufacturer_ca.pem        manufacturer CA certificate, optional
//	{serial}_completed.txt     id of the acknowledged manufacturer certificate
//
// Files are replaced atomically with a temporary file and a rename.
type CredentialStore struct {
	Dir          string
	SerialNumber string
}

func (s *CredentialStore) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *CredentialStore) read(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	return string(data), err
}

func (s *CredentialStore) write(name string, data string, perm os.FileMode) error {
	tmp, err := os.CreateTemp(s.Dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(name))
}

func (s *CredentialStore) keyFile() string       { return s.SerialNumber + "_ven.key" }
func (s *CredentialStore) vendorFile() string    { return s.SerialNumber + "_ven.pem" }
func (s *CredentialStore) manFile() string       { return s.SerialNumber + "_man.pem" }
func (s *CredentialStore) manIDFile() string     { return s.SerialNumber + "_man_cert_id.txt" }
func (s *CredentialStore) completedFile() string { return s.SerialNumber + "_completed.txt" }

const manufacturerCAFile = "manufacturer_ca.pem"

// Key returns the device private key
func (s *CredentialStore) Key() (crypto.Signer, error) {
	data, err := s.read(s.keyFile())
	if err != nil {
		return nil, err
	}
	return issuer.ParsePrivateKeyPEM([]byte(data))
}

// VendorCredential returns the credential of the vendor session
func (s *CredentialStore) VendorCredential() (Credential, error) {
	key, err := s.Key()
	if err != nil {
		return Credential{}, err
	}
	certPEM, err := s.read(s.vendorFile())
	if err != nil {
		return Credential{}, err
	}
	return Credential{ClientID: s.SerialNumber, CertificatePEM: certPEM, Key: key}, nil
}

// SaveManufacturerCertificate stores the manufacturer certificate and its id. The id is
// written last, a certificate without id does not count as stored.
func (s *CredentialStore) SaveManufacturerCertificate(certPEM, certID string) error {
	if err := s.write(s.manFile(), certPEM, 0o644); err != nil {
		return err
	}
	return s.write(s.manIDFile(), certID, 0o644)
}

// ManufacturerCertificate returns the stored manufacturer certificate and its id
func (s *CredentialStore) ManufacturerCertificate() (string, string, error) {
	certID, err := s.read(s.manIDFile())
	if err != nil {
		return "", "", err
	}
	certPEM, err := s.read(s.manFile())
	if err != nil {
		return "", "", err
	}
	return certPEM, strings.TrimSpace(certID), nil
}

// ManufacturerChain returns the manufacturer certificate followed by the manufacturer CA
// certificate if one is stored
func (s *CredentialStore) ManufacturerChain() (string, error) {
	certPEM, _, err := s.ManufacturerCertificate()
	if err != nil {
		return "", err
	}
	caPEM, err := s.read(manufacturerCAFile)
	if errors.Is(err, ErrNoCredential) {
		return certPEM, nil
	}
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(certPEM, "\n") {
		certPEM += "\n"
	}
	return certPEM + caPEM, nil
}

// ManufacturerCredential returns the credential of the manufacturer session
func (s *CredentialStore) ManufacturerCredential() (Credential, error) {
	key, err := s.Key()
	if err != nil {
		return Credential{}, err
	}
	chain, err := s.ManufacturerChain()
	if err != nil {
		return Credential{}, err
	}
	return Credential{ClientID: s.SerialNumber, CertificatePEM: chain, Key: key}, nil
}

// MarkCompleted records that the manufacturer certificate was acknowledged
func (s *CredentialStore) MarkCompleted(certID string) error {
	return s.write(s.completedFile(), certID, 0o644)
}

// Completed returns true if the stored manufacturer certificate was acknowledged
func (s *CredentialStore) Completed() (bool, error) {
	completed, err := s.read(s.completedFile())
	if errors.Is(err, ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, certID, err := s.ManufacturerCertificate()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(completed) == certID, nil
}
