package rotation

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/certrotation/core/schema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema ids of the payloads
const (
	SchemaCreateRequest     = "https://relabs.tech/schemas/cert-rotation/create-request.json"
	SchemaCreateReply       = "https://relabs.tech/schemas/cert-rotation/create-reply.json"
	SchemaCertID            = "https://relabs.tech/schemas/cert-rotation/cert-id.json"
	SchemaRegistrationEvent = "https://relabs.tech/schemas/cert-rotation/registration-event.json"
)

// CreateRequest is the payload of a create-man-cert request
type CreateRequest struct {
	CSR string `json:"csr"`
}

// CreateReply is the payload of a create-man-cert reply
type CreateReply struct {
	PEM    string `json:"pem"`
	CertID string `json:"cert_id"`
}

// AckRequest is the payload of an ack-man-cert request
type AckRequest struct {
	CertID string `json:"cert_id"`
}

// AckReply is the payload of an ack-man-cert reply
type AckReply struct {
	CertID string `json:"cert_id"`
}

// RegistrationEvent is the payload of a certificate registration event
type RegistrationEvent struct {
	CertificateID     string `json:"certificateId"`
	CACertificateID   string `json:"caCertificateId,omitempty"`
	CertificateStatus string `json:"certificateStatus,omitempty"`
	AWSAccountID      string `json:"awsAccountId,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// Message is a decoded rotation message. SerialNumber is empty for registration events,
// which only identify the device through the certificate.
type Message struct {
	Kind            Kind
	Topic           string
	SerialNumber    string
	CACertificateID string
	CSR             string
	CertID          string
	PEM             string
}

// Codec decodes and validates inbound payloads and encodes replies
type Codec struct {
	topics    Topics
	validator *schema.Validator
}

// NewCodec returns a codec for the given topics
func NewCodec(topics Topics) (*Codec, error) {
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		return nil, fmt.Errorf("cannot load rotation schemas: %w", err)
	}
	return &Codec{topics: topics, validator: validator}, nil
}

// MustNewCodec is NewCodec which panics on error
func MustNewCodec(topics Topics) *Codec {
	c, err := NewCodec(topics)
	if err != nil {
		panic(err)
	}
	return c
}

// Topics returns the topics of the codec
func (c *Codec) Topics() Topics {
	return c.topics
}

// Decode classifies the topic and validates the payload against its schema
func (c *Codec) Decode(topic string, payload []byte) (Message, error) {
	kind, key, err := c.topics.Parse(topic)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Kind: kind, Topic: topic}

	invalid := func(err error) (Message, error) {
		return msg, fmt.Errorf("%w: %s on %s: %v", ErrInvalidMessage, kind, topic, err)
	}

	switch kind {
	case KindRegistration:
		var event RegistrationEvent
		if err := c.decode(payload, SchemaRegistrationEvent, &event); err != nil {
			return invalid(err)
		}
		if event.CACertificateID != "" && event.CACertificateID != key {
			return invalid(fmt.Errorf("CA certificate id %s does not match topic", event.CACertificateID))
		}
		msg.CACertificateID = key
		msg.CertID = event.CertificateID
	case KindCreateRequest:
		var request CreateRequest
		if err := c.decode(payload, SchemaCreateRequest, &request); err != nil {
			return invalid(err)
		}
		msg.SerialNumber = key
		msg.CSR = request.CSR
	case KindCreateReply:
		var reply CreateReply
		if err := c.decode(payload, SchemaCreateReply, &reply); err != nil {
			return invalid(err)
		}
		msg.SerialNumber = key
		msg.PEM = reply.PEM
		msg.CertID = reply.CertID
	case KindAckRequest, KindAckReply:
		var ack AckRequest
		if err := c.decode(payload, SchemaCertID, &ack); err != nil {
			return invalid(err)
		}
		msg.SerialNumber = key
		msg.CertID = ack.CertID
	}
	return msg, nil
}

func (c *Codec) decode(payload []byte, schemaID string, v interface{}) error {
	if err := c.validator.ValidateBytes(payload, schemaID); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Encode marshals a payload
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
