package rotation

import (
	"errors"

	"github.com/relabs-tech/certrotation/issuer"
)

// Store errors
var (
	// ErrNotFound is returned when no record exists for a serial number
	ErrNotFound = errors.New("device record not found")
	// ErrConflict is returned by Store.Swap when the record changed underneath
	ErrConflict = errors.New("device record was modified concurrently")
	// ErrStoreUnavailable wraps any I/O failure of a store. The handler drops the
	// message and relies on the sender to retry.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// Message handling errors. None of them is fatal for the handler.
var (
	// ErrStateMismatch means the message does not fit the current rotation state.
	// This is expected under replays and races.
	ErrStateMismatch = errors.New("message does not match rotation state")
	// ErrCertIDMismatch means an ack carried a certificate id other than the stored one
	ErrCertIDMismatch = errors.New("certificate id does not match manufacturer certificate")
	// ErrIdentityResolution means the serial number could not be recovered from a
	// registration event. This needs operator attention.
	ErrIdentityResolution = errors.New("cannot resolve serial number from certificate")
	// ErrInvalidMessage means the payload failed validation
	ErrInvalidMessage = errors.New("invalid rotation message")
	// ErrUnknownTopic means the topic is not part of the rotation protocol
	ErrUnknownTopic = errors.New("unknown rotation topic")
	// ErrDuplicateEvent is a redelivered registration event for an already recorded certificate
	ErrDuplicateEvent = errors.New("duplicate registration event")
	// ErrUnexpectedRegistration is a registration event for a device which already
	// recorded a different vendor certificate
	ErrUnexpectedRegistration = errors.New("unexpected certificate registration")
	// ErrPublish means the reply could not be published
	ErrPublish = errors.New("cannot publish reply")
)

// Temporary reports whether redelivering the message can succeed. Transports with
// redelivery leave such messages in their queue.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{ErrStoreUnavailable, ErrConflict, ErrPublish, issuer.ErrIssuerService} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
