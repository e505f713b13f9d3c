package rotation

import (
	"context"
	"time"
)

// Store persists device records keyed by serial number.
//
// Implementations maintain Record.Version: Put and Swap return the stored record with the
// new version. Any I/O failure is reported as ErrStoreUnavailable.
type Store interface {
	// Get returns the record for serialNumber or ErrNotFound
	Get(ctx context.Context, serialNumber string) (Record, error)
	// Put unconditionally stores a record. Used for enrollment.
	Put(ctx context.Context, rec Record) (Record, error)
	// Swap stores next only if the stored record still has prev.Version. A prev.Version
	// of 0 requires that no record exists. Returns ErrConflict otherwise.
	Swap(ctx context.Context, prev, next Record) (Record, error)
	// Delete removes a record. Deleting an unknown record is not an error.
	Delete(ctx context.Context, serialNumber string) error
}

// Transition is emitted after a record was successfully advanced
type Transition struct {
	SerialNumber  string    `json:"serial_number"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	CertificateID string    `json:"certificate_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier publishes transitions to external consumers. Failures are logged and do not
// affect the rotation.
type Notifier interface {
	NotifyTransition(ctx context.Context, t Transition) error
}

// Archiver keeps a copy of every issued manufacturer certificate. Failures are logged and
// do not affect the rotation.
type Archiver interface {
	ArchiveCertificate(ctx context.Context, serialNumber, certID, certPEM string) error
}

// Publisher publishes replies to devices with at least once delivery
type Publisher interface {
	PublishMessageQ1(ctx context.Context, topic string, payload []byte) error
}
