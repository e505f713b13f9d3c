// Package awspublish publishes MQTT messages through the AWS IoT data plane
package awspublish

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/rotation"
)

// API is the part of the IoT data plane client used by the Publisher
type API interface {
	Publish(ctx context.Context, params *iotdataplane.PublishInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error)
}

// Publisher implements iot.MessagePublisher on AWS IoT
type Publisher struct {
	Client API
}

// PublishMessageQ1 publishes an MQTT message with quality level 1
func (p *Publisher) PublishMessageQ1(ctx context.Context, topic string, payload []byte) error {
	logger.FromContext(ctx).Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	_, err := p.Client.Publish(ctx, &iotdataplane.PublishInput{
		Topic:   aws.String(topic),
		Payload: payload,
		Qos:     1,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", rotation.ErrPublish, topic, err)
	}
	return nil
}
