/*
Package issuer abstracts the certificate authority and the device registry used during
rotation.

A Service is composed of a Signer which turns a CSR into a certificate, a Registry which
keeps the lifecycle of registered certificates and a Binder which attaches certificates
to devices. LocalCA, MemoryRegistry and PostgresRegistry implement these for a self hosted
broker; package awsiot implements them against AWS IoT Core.

All operations are idempotent or can be safely retried. Deactivate, Delete and Unbind
succeed for certificates which do not exist anymore.
*/
package issuer

import (
	"context"
	"errors"
)

var (
	// ErrSigning means the CSR was rejected or could not be signed
	ErrSigning = errors.New("cannot sign certificate request")
	// ErrIssuerService means the registry or the certificate authority is unavailable
	ErrIssuerService = errors.New("certificate service unavailable")
	// ErrNotFound means the certificate or authority does not exist
	ErrNotFound = errors.New("certificate not found")
)

// Issued is a freshly signed certificate
type Issued struct {
	// PEM is the certificate
	PEM string
	// ID is the certificate id as the registry will assign it
	ID string
	// AuthorityPEM is the certificate of the signing authority
	AuthorityPEM string
}

// Signer signs certificate requests
type Signer interface {
	// Sign signs the CSR with the authority identified by authorityID. The subject of the
	// CSR is kept.
	Sign(ctx context.Context, csrPEM, authorityID string) (Issued, error)
}

// Registry manages registered certificates
type Registry interface {
	// Register registers a certificate in inactive state and returns its id. Registering
	// a certificate twice returns the existing id.
	Register(ctx context.Context, certPEM, authorityPEM string) (string, error)
	// Activate marks a certificate active and grants it the rotated device permissions
	Activate(ctx context.Context, certID string) error
	// Deactivate marks a certificate inactive
	Deactivate(ctx context.Context, certID string) error
	// Delete removes a certificate
	Delete(ctx context.Context, certID string) error
	// FetchPEM returns the registered certificate. Returns ErrNotFound for unknown ids.
	FetchPEM(ctx context.Context, certID string) (string, error)
}

// Binder binds certificates to devices
type Binder interface {
	Bind(ctx context.Context, serialNumber, certID string) error
	Unbind(ctx context.Context, serialNumber, certID string) error
}

// Service is the complete certificate issuer used by the rotation handler
type Service interface {
	Signer
	Registry
	Binder
}

// Adapter composes a Service from its parts
type Adapter struct {
	Signer
	Registry
	Binder
}

// New returns a Service composed of s, r and b
func New(s Signer, r Registry, b Binder) *Adapter {
	return &Adapter{Signer: s, Registry: r, Binder: b}
}
