// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package issuer

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

// LocalCA signs certificate requests with authority keys held by the service
type LocalCA struct {
	// Authorities provides the authority certificates. This is mandatory.
	Authorities Authorities
	// Keys provides the authority keys. This is mandatory.
	Keys KeySource
}

// Sign implements Signer. Signing the same request with the same authority key yields
// the same certificate: the serial number is derived from the request and the authority,
// the certificate shares the validity of its authority, and ECDSA signatures follow
// RFC 6979.
// Ed25519 and RSA PKCS #1 v1.5 keys sign deterministically anyway.
func (ca *LocalCA) Sign(ctx context.Context, csrPEM, authorityID string) (Issued, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	authorityPEM, err := ca.Authorities.AuthorityPEM(ctx, authorityID)
	if err != nil {
		return Issued{}, authorityError(authorityID, err)
	}
	authority, err := ParseCertificatePEM(authorityPEM)
	if err != nil {
		return Issued{}, fmt.Errorf("%w: authority %s: %v", ErrSigning, authorityID, err)
	}
	key, err := ca.Keys.AuthorityKey(ctx, authorityID)
	if err != nil {
		return Issued{}, authorityError(authorityID, err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber(csr.Raw, authorityID),
		Subject:      csr.Subject,
		NotBefore:    authority.NotBefore.UTC(),
		NotAfter:     authority.NotAfter.UTC(),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	// a nil random source selects deterministic signatures
	der, err := x509.CreateCertificate(nil, template, authority, csr.PublicKey, key)
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return Issued{
		PEM:          EncodeCertificate(der),
		ID:           CertificateID(der),
		AuthorityPEM: authorityPEM,
	}, nil
}

func authorityError(authorityID string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown authority %s: %v", ErrSigning, authorityID, err)
	}
	return fmt.Errorf("%w: authority %s: %v", ErrIssuerService, authorityID, err)
}

// serialNumber returns a positive 128 bit serial number
func serialNumber(csrDER []byte, authorityID string) *big.Int {
	h := sha256.New()
	h.Write(csrDER)
	h.Write([]byte(authorityID))
	sum := h.Sum(nil)
	sum[0] &= 0x7f
	return new(big.Int).SetBytes(sum[:16])
}
