package issuer

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Authorities looks up the certificates of certificate authorities
type Authorities interface {
	// AuthorityPEM returns the certificate of the authority. Returns ErrNotFound for
	// unknown authorities.
	AuthorityPEM(ctx context.Context, authorityID string) (string, error)
}

// KeySource looks up the private keys of certificate authorities
type KeySource interface {
	AuthorityKey(ctx context.Context, authorityID string) (crypto.Signer, error)
}

// FileKeySource reads authority keys from PEM files
type FileKeySource struct {
	// Files maps authority ids to key files. Takes precedence over Dir.
	Files map[string]string
	// Dir contains key files named {authorityID}.key
	Dir string
}

// AuthorityKey implements KeySource
func (f *FileKeySource) AuthorityKey(ctx context.Context, authorityID string) (crypto.Signer, error) {
	path, ok := f.Files[authorityID]
	if !ok {
		if f.Dir == "" {
			return nil, fmt.Errorf("%w: no key file for authority %s", ErrNotFound, authorityID)
		}
		path = filepath.Join(f.Dir, authorityID+".key")
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: key file %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// ParsePrivateKeyPEM parses a PKCS8, PKCS1 or EC private key
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no private key PEM block found")
	}
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}
	return signer, nil
}
