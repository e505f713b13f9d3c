// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package awsiot implements the certificate registry and the device binding on AWS IoT Core.

Devices are things named after their serial number. Certificates are principals attached
to those things. A certificate which completed the rotation gets the rotation policy
attached on activation.
*/
package awsiot

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/issuer"
)

// DefaultPolicyName is the policy attached to activated manufacturer certificates
const DefaultPolicyName = "CrCertRotationCompleteCertPolicy"

// API is the part of the AWS IoT client used by the Registry
type API interface {
	RegisterCertificate(ctx context.Context, params *iot.RegisterCertificateInput, optFns ...func(*iot.Options)) (*iot.RegisterCertificateOutput, error)
	UpdateCertificate(ctx context.Context, params *iot.UpdateCertificateInput, optFns ...func(*iot.Options)) (*iot.UpdateCertificateOutput, error)
	DeleteCertificate(ctx context.Context, params *iot.DeleteCertificateInput, optFns ...func(*iot.Options)) (*iot.DeleteCertificateOutput, error)
	DescribeCertificate(ctx context.Context, params *iot.DescribeCertificateInput, optFns ...func(*iot.Options)) (*iot.DescribeCertificateOutput, error)
	DescribeCACertificate(ctx context.Context, params *iot.DescribeCACertificateInput, optFns ...func(*iot.Options)) (*iot.DescribeCACertificateOutput, error)
	AttachThingPrincipal(ctx context.Context, params *iot.AttachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.AttachThingPrincipalOutput, error)
	DetachThingPrincipal(ctx context.Context, params *iot.DetachThingPrincipalInput, optFns ...func(*iot.Options)) (*iot.DetachThingPrincipalOutput, error)
	AttachPolicy(ctx context.Context, params *iot.AttachPolicyInput, optFns ...func(*iot.Options)) (*iot.AttachPolicyOutput, error)
}

// Registry implements issuer.Registry, issuer.Binder and issuer.Authorities on AWS IoT
type Registry struct {
	client     API
	policyName string
}

// Builder is a builder helper for the Registry
type Builder struct {
	// Client is the AWS IoT client. This is mandatory.
	Client API
	// PolicyName is attached to activated certificates, defaults to DefaultPolicyName.
	// Set SkipPolicy to activate without attaching a policy.
	PolicyName string
	SkipPolicy bool
}

// NewRegistry returns a new registry
func NewRegistry(b *Builder) *Registry {
	if b.Client == nil {
		panic("client is missing")
	}
	policyName := b.PolicyName
	if policyName == "" && !b.SkipPolicy {
		policyName = DefaultPolicyName
	}
	return &Registry{client: b.Client, policyName: policyName}
}

func isNotFound(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}

func serviceError(op, certID string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s: %s", issuer.ErrNotFound, op, certID)
	}
	return fmt.Errorf("%w: %s %s: %v", issuer.ErrIssuerService, op, certID, err)
}

// AuthorityPEM implements issuer.Authorities
func (r *Registry) AuthorityPEM(ctx context.Context, authorityID string) (string, error) {
	out, err := r.client.DescribeCACertificate(ctx, &iot.DescribeCACertificateInput{
		CertificateId: aws.String(authorityID),
	})
	if err != nil {
		return "", serviceError("describe CA certificate", authorityID, err)
	}
	if out.CertificateDescription == nil || aws.ToString(out.CertificateDescription.CertificatePem) == "" {
		return "", fmt.Errorf("%w: CA certificate %s has no PEM", issuer.ErrNotFound, authorityID)
	}
	return aws.ToString(out.CertificateDescription.CertificatePem), nil
}

// Register implements issuer.Registry. The certificate is registered inactive.
func (r *Registry) Register(ctx context.Context, certPEM, authorityPEM string) (string, error) {
	out, err := r.client.RegisterCertificate(ctx, &iot.RegisterCertificateInput{
		CertificatePem:   aws.String(certPEM),
		CaCertificatePem: aws.String(authorityPEM),
		Status:           types.CertificateStatusInactive,
	})
	if err != nil {
		var exists *types.ResourceAlreadyExistsException
		if errors.As(err, &exists) && aws.ToString(exists.ResourceId) != "" {
			return aws.ToString(exists.ResourceId), nil
		}
		return "", fmt.Errorf("%w: register certificate: %v", issuer.ErrIssuerService, err)
	}
	return aws.ToString(out.CertificateId), nil
}

func (r *Registry) describe(ctx context.Context, certID string) (*types.CertificateDescription, error) {
	out, err := r.client.DescribeCertificate(ctx, &iot.DescribeCertificateInput{
		CertificateId: aws.String(certID),
	})
	if err != nil {
		return nil, serviceError("describe certificate", certID, err)
	}
	if out.CertificateDescription == nil {
		return nil, fmt.Errorf("%w: %s", issuer.ErrNotFound, certID)
	}
	return out.CertificateDescription, nil
}

func (r *Registry) updateStatus(ctx context.Context, certID string, status types.CertificateStatus) error {
	_, err := r.client.UpdateCertificate(ctx, &iot.UpdateCertificateInput{
		CertificateId: aws.String(certID),
		NewStatus:     status,
	})
	if err != nil {
		return serviceError("update certificate", certID, err)
	}
	return nil
}

// Activate implements issuer.Registry. The rotation policy is attached after activation.
func (r *Registry) Activate(ctx context.Context, certID string) error {
	if err := r.updateStatus(ctx, certID, types.CertificateStatusActive); err != nil {
		return err
	}
	if r.policyName == "" {
		return nil
	}
	desc, err := r.describe(ctx, certID)
	if err != nil {
		return err
	}
	_, err = r.client.AttachPolicy(ctx, &iot.AttachPolicyInput{
		PolicyName: aws.String(r.policyName),
		Target:     desc.CertificateArn,
	})
	if err != nil {
		return serviceError("attach policy "+r.policyName, certID, err)
	}
	return nil
}

// Deactivate implements issuer.Registry
func (r *Registry) Deactivate(ctx context.Context, certID string) error {
	err := r.updateStatus(ctx, certID, types.CertificateStatusInactive)
	if errors.Is(err, issuer.ErrNotFound) {
		logger.FromContext(ctx).Infof("certificate %s already deleted", certID)
		return nil
	}
	return err
}

// Delete implements issuer.Registry. Attached policies are removed with the certificate.
func (r *Registry) Delete(ctx context.Context, certID string) error {
	_, err := r.client.DeleteCertificate(ctx, &iot.DeleteCertificateInput{
		CertificateId: aws.String(certID),
		ForceDelete:   true,
	})
	if err != nil && !isNotFound(err) {
		return serviceError("delete certificate", certID, err)
	}
	return nil
}

// FetchPEM implements issuer.Registry
func (r *Registry) FetchPEM(ctx context.Context, certID string) (string, error) {
	desc, err := r.describe(ctx, certID)
	if err != nil {
		return "", err
	}
	return aws.ToString(desc.CertificatePem), nil
}

// Bind implements issuer.Binder by attaching the certificate to the thing named after the
// serial number
func (r *Registry) Bind(ctx context.Context, serialNumber, certID string) error {
	desc, err := r.describe(ctx, certID)
	if err != nil {
		return err
	}
	_, err = r.client.AttachThingPrincipal(ctx, &iot.AttachThingPrincipalInput{
		ThingName: aws.String(serialNumber),
		Principal: desc.CertificateArn,
	})
	if err != nil {
		return serviceError("attach to thing "+serialNumber, certID, err)
	}
	return nil
}

// Unbind implements issuer.Binder
func (r *Registry) Unbind(ctx context.Context, serialNumber, certID string) error {
	desc, err := r.describe(ctx, certID)
	if errors.Is(err, issuer.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.DetachThingPrincipal(ctx, &iot.DetachThingPrincipalInput{
		ThingName: aws.String(serialNumber),
		Principal: desc.CertificateArn,
	})
	if err != nil && !isNotFound(err) {
		return serviceError("detach from thing "+serialNumber, certID, err)
	}
	return nil
}
