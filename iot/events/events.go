// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package events publishes rotation state transitions to Kafka.

Every transition is one message keyed by the serial number, so all transitions of a
device land in the same partition in order. The message carries the logger context of
the handler invocation, consumers continue logging under the same request id.
*/
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/rotation"
)

// DefaultTopic is the kafka topic for transitions
const DefaultTopic = "cert-rotation.transitions"

// Event is the wire format of a transition
type Event struct {
	SerialNumber  string          `json:"serial_number"`
	From          rotation.State  `json:"from"`
	To            rotation.State  `json:"to"`
	CertificateID string          `json:"certificate_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Context       json.RawMessage `json:"context,omitempty"`
}

// Transition returns the transition carried by the event
func (e Event) Transition() rotation.Transition {
	return rotation.Transition{
		SerialNumber:  e.SerialNumber,
		From:          e.From,
		To:            e.To,
		CertificateID: e.CertificateID,
		Timestamp:     e.Timestamp,
	}
}

// MessageWriter is the part of *kafka.Writer used by the Notifier
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier implements rotation.Notifier
type Notifier struct {
	writer MessageWriter
}

// Builder is a builder helper for the Notifier
type Builder struct {
	// Brokers are the kafka bootstrap addresses. Mandatory unless Writer is set.
	Brokers []string
	// Topic defaults to DefaultTopic
	Topic string
	// Writer replaces the kafka writer
	Writer MessageWriter
}

// NewNotifier returns a new notifier
func NewNotifier(b *Builder) *Notifier {
	if b.Writer != nil {
		return &Notifier{writer: b.Writer}
	}
	if len(b.Brokers) == 0 {
		panic("kafka brokers are missing")
	}
	topic := b.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Notifier{writer: &kafka.Writer{
		Addr:                   kafka.TCP(b.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// NotifyTransition implements rotation.Notifier
func (n *Notifier) NotifyTransition(ctx context.Context, t rotation.Transition) error {
	value, err := json.Marshal(Event{
		SerialNumber:  t.SerialNumber,
		From:          t.From,
		To:            t.To,
		CertificateID: t.CertificateID,
		Timestamp:     t.Timestamp,
		Context:       logger.SerializeLoggerContext(ctx),
	})
	if err != nil {
		return err
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.SerialNumber),
		Value: value,
		Time:  t.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("cannot write transition of %s: %w", t.SerialNumber, err)
	}
	return nil
}

// Close flushes and closes the writer
func (n *Notifier) Close() error {
	return n.writer.Close()
}

// MessageReader is the part of *kafka.Reader used by Consume
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consume reads transitions until the context is cancelled. The handler is called with a
// context carrying the logger of the producing invocation. Messages are committed after
// the handler returned, unreadable messages are logged and committed.
func Consume(ctx context.Context, reader MessageReader, handler func(context.Context, Event) error) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("unreadable transition at offset %d", msg.Offset)
		} else {
			ectx := logger.ContextWithLoggerFromData(context.Background(), event.Context)
			ectx, rlog := logger.ContextWithSerialNumber(ectx, event.SerialNumber)
			if err := handler(ectx, event); err != nil {
				rlog.WithError(err).Errorf("error processing transition %s -> %s", event.From, event.To)
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
