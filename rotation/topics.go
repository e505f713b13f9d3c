package rotation

import (
	"fmt"
	"strings"
)

// Kind identifies the type of a rotation message
type Kind int

// Message kinds
const (
	KindUnknown Kind = iota
	// KindRegistration is a certificate registration event, emitted when a device connects
	// with a vendor certificate for the first time
	KindRegistration
	// KindCreateRequest is a device asking for a manufacturer certificate
	KindCreateRequest
	// KindCreateReply carries the issued manufacturer certificate back to the device
	KindCreateReply
	// KindAckRequest is a device confirming it installed the manufacturer certificate
	KindAckRequest
	// KindAckReply confirms the completed rotation to the device
	KindAckReply
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindCreateRequest:
		return "create-request"
	case KindCreateReply:
		return "create-reply"
	case KindAckRequest:
		return "ack-request"
	case KindAckReply:
		return "ack-reply"
	default:
		return "unknown"
	}
}

const (
	topicRoot            = "cert-rotation"
	createOperation      = "create-man-cert"
	ackOperation         = "ack-man-cert"
	requestSuffix        = "rqst"
	replySuffix          = "rspn"
	registrationTopicFmt = "$aws/events/certificates/registered/%s"
	registrationPrefix   = "$aws/events/certificates/registered/"
)

// DefaultTopicPrefix is the prefix devices in the field publish with
const DefaultTopicPrefix = "/"

// Topics builds and parses the topics of the rotation protocol. Prefix is prepended to
// the cert-rotation topics only, registration events always use the AWS IoT topic.
// The services configure DefaultTopicPrefix unless told otherwise.
type Topics struct {
	Prefix string
}

func (t Topics) topic(operation, serialNumber, suffix string) string {
	return t.Prefix + topicRoot + "/" + operation + "/" + serialNumber + "/" + suffix
}

// CreateRequest returns the topic a device publishes its CSR on
func (t Topics) CreateRequest(serialNumber string) string {
	return t.topic(createOperation, serialNumber, requestSuffix)
}

// CreateReply returns the topic a device receives its manufacturer certificate on
func (t Topics) CreateReply(serialNumber string) string {
	return t.topic(createOperation, serialNumber, replySuffix)
}

// AckRequest returns the topic a device acknowledges the manufacturer certificate on
func (t Topics) AckRequest(serialNumber string) string {
	return t.topic(ackOperation, serialNumber, requestSuffix)
}

// AckReply returns the topic a device receives the completion on
func (t Topics) AckReply(serialNumber string) string {
	return t.topic(ackOperation, serialNumber, replySuffix)
}

// Registration returns the registration event topic for a CA certificate
func (t Topics) Registration(caCertificateID string) string {
	return fmt.Sprintf(registrationTopicFmt, caCertificateID)
}

// RequestFilters returns the subscription filters for all inbound device requests
func (t Topics) RequestFilters() []string {
	return []string{
		t.topic(createOperation, "+", requestSuffix),
		t.topic(ackOperation, "+", requestSuffix),
	}
}

// RegistrationFilter returns the subscription filter for all registration events
func (t Topics) RegistrationFilter() string {
	return registrationPrefix + "+"
}

// Parse classifies a topic. For cert-rotation topics the serial number is returned,
// for registration events the CA certificate id.
func (t Topics) Parse(topic string) (Kind, string, error) {
	if strings.HasPrefix(topic, registrationPrefix) {
		caID := strings.TrimPrefix(topic, registrationPrefix)
		if caID == "" || strings.Contains(caID, "/") {
			return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
		return KindRegistration, caID, nil
	}

	if !strings.HasPrefix(topic, t.Prefix) {
		return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	levels := strings.Split(strings.TrimPrefix(topic, t.Prefix), "/")
	if len(levels) != 4 || levels[0] != topicRoot {
		return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	serialNumber := levels[2]
	if err := ValidateSerialNumber(serialNumber); err != nil {
		return KindUnknown, "", fmt.Errorf("%w: %s: %v", ErrUnknownTopic, topic, err)
	}

	var kind Kind
	switch levels[1] + "/" + levels[3] {
	case createOperation + "/" + requestSuffix:
		kind = KindCreateRequest
	case createOperation + "/" + replySuffix:
		kind = KindCreateReply
	case ackOperation + "/" + requestSuffix:
		kind = KindAckRequest
	case ackOperation + "/" + replySuffix:
		kind = KindAckReply
	default:
		return KindUnknown, "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return kind, serialNumber, nil
}
