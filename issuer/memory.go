package issuer

import (
	"context"
	"crypto/x509"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CertificateStatus is the lifecycle status of a registered certificate
type CertificateStatus string

// Certificate statuses
const (
	StatusInactive CertificateStatus = "INACTIVE"
	StatusActive   CertificateStatus = "ACTIVE"
)

// Certificate is a registered certificate
type Certificate struct {
	ID          string            `json:"id"`
	PEM         string            `json:"pem"`
	AuthorityID string            `json:"authority_id"`
	Status      CertificateStatus `json:"status"`
	Things      []string          `json:"things"`
	CreatedAt   time.Time         `json:"created_at"`
}

// BoundTo returns true if the certificate is bound to thing
func (c Certificate) BoundTo(thing string) bool {
	for _, t := range c.Things {
		if t == thing {
			return true
		}
	}
	return false
}

// Inventory is a registry which also manages authorities and exposes certificate details.
// The self hosted broker uses it to authorize clients.
type Inventory interface {
	Registry
	Binder
	Authorities
	// AddAuthority registers an authority certificate and returns its id
	AddAuthority(ctx context.Context, authorityPEM string) (string, error)
	// Certificate returns a registered certificate or ErrNotFound
	Certificate(ctx context.Context, certID string) (Certificate, error)
}

// verifyIssuedBy checks the certificate against an authority and returns the parsed
// certificate and the authority id
func verifyIssuedBy(certPEM, authorityPEM string) (*x509.Certificate, string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, "", err
	}
	authority, err := ParseCertificatePEM(authorityPEM)
	if err != nil {
		return nil, "", fmt.Errorf("authority: %w", err)
	}
	if err := cert.CheckSignatureFrom(authority); err != nil {
		return nil, "", fmt.Errorf("certificate is not signed by authority: %w", err)
	}
	return cert, CertificateID(authority.Raw), nil
}

// MemoryRegistry is an in-memory Inventory
type MemoryRegistry struct {
	mutex        sync.RWMutex
	authorities  map[string]string
	certificates map[string]*Certificate
	clock        func() time.Time
}

// NewMemoryRegistry returns an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		authorities:  map[string]string{},
		certificates: map[string]*Certificate{},
		clock:        time.Now,
	}
}

// AddAuthority implements Inventory
func (r *MemoryRegistry) AddAuthority(ctx context.Context, authorityPEM string) (string, error) {
	cert, err := ParseCertificatePEM(authorityPEM)
	if err != nil {
		return "", err
	}
	if !cert.IsCA {
		return "", fmt.Errorf("certificate %s is not a CA certificate", cert.Subject)
	}
	id := CertificateID(cert.Raw)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.authorities[id] = authorityPEM
	return id, nil
}

// AuthorityPEM implements Authorities
func (r *MemoryRegistry) AuthorityPEM(ctx context.Context, authorityID string) (string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	authorityPEM, ok := r.authorities[authorityID]
	if !ok {
		return "", fmt.Errorf("%w: authority %s", ErrNotFound, authorityID)
	}
	return authorityPEM, nil
}

// Register implements Registry
func (r *MemoryRegistry) Register(ctx context.Context, certPEM, authorityPEM string) (string, error) {
	cert, authorityID, err := verifyIssuedBy(certPEM, authorityPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIssuerService, err)
	}
	id := CertificateID(cert.Raw)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.authorities[authorityID]; !ok {
		return "", fmt.Errorf("%w: authority %s is not registered", ErrIssuerService, authorityID)
	}
	if _, ok := r.certificates[id]; ok {
		return id, nil
	}
	r.certificates[id] = &Certificate{
		ID:          id,
		PEM:         certPEM,
		AuthorityID: authorityID,
		Status:      StatusInactive,
		CreatedAt:   r.clock().UTC(),
	}
	return id, nil
}

func (r *MemoryRegistry) setStatus(certID string, status CertificateStatus, missingOK bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.certificates[certID]
	if !ok {
		if missingOK {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	c.Status = status
	return nil
}

// Activate implements Registry
func (r *MemoryRegistry) Activate(ctx context.Context, certID string) error {
	return r.setStatus(certID, StatusActive, false)
}

// Deactivate implements Registry
func (r *MemoryRegistry) Deactivate(ctx context.Context, certID string) error {
	return r.setStatus(certID, StatusInactive, true)
}

// Delete implements Registry. Only inactive certificates without things can be deleted.
func (r *MemoryRegistry) Delete(ctx context.Context, certID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.certificates[certID]
	if !ok {
		return nil
	}
	if c.Status == StatusActive {
		return fmt.Errorf("%w: certificate %s is active", ErrIssuerService, certID)
	}
	if len(c.Things) > 0 {
		return fmt.Errorf("%w: certificate %s is still bound to %v", ErrIssuerService, certID, c.Things)
	}
	delete(r.certificates, certID)
	return nil
}

// FetchPEM implements Registry
func (r *MemoryRegistry) FetchPEM(ctx context.Context, certID string) (string, error) {
	c, err := r.Certificate(ctx, certID)
	if err != nil {
		return "", err
	}
	return c.PEM, nil
}

// Certificate implements Inventory
func (r *MemoryRegistry) Certificate(ctx context.Context, certID string) (Certificate, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.certificates[certID]
	if !ok {
		return Certificate{}, fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	res := *c
	res.Things = append([]string(nil), c.Things...)
	return res, nil
}

// Bind implements Binder
func (r *MemoryRegistry) Bind(ctx context.Context, serialNumber, certID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.certificates[certID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	if c.BoundTo(serialNumber) {
		return nil
	}
	c.Things = append(c.Things, serialNumber)
	sort.Strings(c.Things)
	return nil
}

// Unbind implements Binder
func (r *MemoryRegistry) Unbind(ctx context.Context, serialNumber, certID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.certificates[certID]
	if !ok {
		return nil
	}
	things := c.Things[:0]
	for _, t := range c.Things {
		if t != serialNumber {
			things = append(things, t)
		}
	}
	c.Things = things
	return nil
}
