package iot

import (
	"context"

	"github.com/relabs-tech/certrotation/rotation"
)

// MessagePublisher is an interface to publish MQTT messages
type MessagePublisher interface {
	PublishMessageQ1(ctx context.Context, topic string, payload []byte) error
}

// MessageHandler handles inbound MQTT messages. *rotation.Handler satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) rotation.Result
}

var _ MessageHandler = (*rotation.Handler)(nil)
var _ rotation.Publisher = MessagePublisher(nil)
