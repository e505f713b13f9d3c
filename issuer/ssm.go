package issuer

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// DefaultKeyParameterFormat is the name of the parameter holding an authority key
const DefaultKeyParameterFormat = "cr-ca-key-%s"

// SSMAPI is the part of the SSM client used by SSMKeySource
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMKeySource reads authority keys from encrypted SSM parameters
type SSMKeySource struct {
	Client SSMAPI
	// ParameterFormat is formatted with the authority id, defaults to DefaultKeyParameterFormat
	ParameterFormat string
}

// AuthorityKey implements KeySource
func (s *SSMKeySource) AuthorityKey(ctx context.Context, authorityID string) (crypto.Signer, error) {
	format := s.ParameterFormat
	if format == "" {
		format = DefaultKeyParameterFormat
	}
	name := fmt.Sprintf(format, authorityID)
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: parameter %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: cannot read parameter %s: %v", ErrIssuerService, name, err)
	}
	if out.Parameter == nil {
		return nil, fmt.Errorf("%w: parameter %s has no value", ErrNotFound, name)
	}
	return ParsePrivateKeyPEM([]byte(aws.ToString(out.Parameter.Value)))
}
