package issuer_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/issuertest"
)

type fakeSSM struct {
	parameters map[string]string
	err        error
	requested  []*ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.requested = append(f.requested, params)
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.parameters[aws.ToString(params.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: params.Name, Value: aws.String(value)}}, nil
}

func TestSSMKeySource(t *testing.T) {
	ctx := context.Background()
	authority := issuertest.NewAuthority(t, "manufacturer")
	client := &fakeSSM{parameters: map[string]string{"cr-ca-key-" + authority.ID: authority.KeyPEM}}
	keys := &issuer.SSMKeySource{Client: client}

	key, err := keys.AuthorityKey(ctx, authority.ID)
	require.NoError(t, err)
	assert.True(t, key.Public().(*ecdsa.PublicKey).Equal(authority.Key.Public()))
	assert.True(t, aws.ToBool(client.requested[0].WithDecryption))

	_, err = keys.AuthorityKey(ctx, "unknown")
	assert.ErrorIs(t, err, issuer.ErrNotFound)

	keys.ParameterFormat = "/rotation/%s/key"
	_, err = keys.AuthorityKey(ctx, authority.ID)
	assert.ErrorIs(t, err, issuer.ErrNotFound)
	assert.Equal(t, "/rotation/"+authority.ID+"/key", aws.ToString(client.requested[2].Name))

	client.err = errors.New("throttled")
	_, err = keys.AuthorityKey(ctx, authority.ID)
	assert.ErrorIs(t, err, issuer.ErrIssuerService)
}
