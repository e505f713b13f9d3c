package awspublish

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/rotation"
)

type fakeDataPlane struct {
	inputs []*iotdataplane.PublishInput
	err    error
}

func (f *fakeDataPlane) Publish(ctx context.Context, params *iotdataplane.PublishInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &iotdataplane.PublishOutput{}, nil
}

func TestPublishMessageQ1(t *testing.T) {
	fake := &fakeDataPlane{}
	p := &Publisher{Client: fake}

	require.NoError(t, p.PublishMessageQ1(context.Background(), "a/b", []byte(`{}`)))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "a/b", aws.ToString(fake.inputs[0].Topic))
	assert.Equal(t, []byte(`{}`), fake.inputs[0].Payload)
	assert.EqualValues(t, 1, fake.inputs[0].Qos)

	fake.err = errors.New("throttled")
	err := p.PublishMessageQ1(context.Background(), "a/b", []byte(`{}`))
	assert.ErrorIs(t, err, rotation.ErrPublish)
}
