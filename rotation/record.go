// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rotation

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type refStatus int

const (
	refUnset refStatus = iota
	refSet
	refCleared
)

// CertRef is an optional certificate id. It distinguishes a reference which was never
// set from one which was set and later cleared.
type CertRef struct {
	id     string
	status refStatus
}

// SetRef returns a reference to the certificate id
func SetRef(id string) CertRef {
	return CertRef{id: id, status: refSet}
}

// ClearedRef returns a reference which was explicitly cleared
func ClearedRef() CertRef {
	return CertRef{status: refCleared}
}

// ID returns the certificate id and true if the reference is set
func (r CertRef) ID() (string, bool) {
	return r.id, r.status == refSet
}

// Value returns the certificate id, or an empty string if the reference is not set
func (r CertRef) Value() string {
	return r.id
}

// IsSet returns true if the reference holds a certificate id
func (r CertRef) IsSet() bool { return r.status == refSet }

// IsCleared returns true if the reference was set and then cleared
func (r CertRef) IsCleared() bool { return r.status == refCleared }

// IsUnset returns true if the reference was never set
func (r CertRef) IsUnset() bool { return r.status == refUnset }

// Matches returns true if the reference is set to id
func (r CertRef) Matches(id string) bool {
	return r.status == refSet && r.id == id
}

func (r CertRef) String() string {
	switch r.status {
	case refSet:
		return r.id
	case refCleared:
		return "<cleared>"
	default:
		return "<unset>"
	}
}

type certRefJSON struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r CertRef) MarshalJSON() ([]byte, error) {
	switch r.status {
	case refSet:
		return json.Marshal(certRefJSON{Status: "set", ID: r.id})
	case refCleared:
		return json.Marshal(certRefJSON{Status: "cleared"})
	default:
		return json.Marshal(certRefJSON{Status: "unset"})
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (r *CertRef) UnmarshalJSON(data []byte) error {
	var v certRefJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.Status {
	case "set":
		if v.ID == "" {
			return fmt.Errorf("certificate reference is set without id")
		}
		*r = SetRef(v.ID)
	case "cleared":
		*r = ClearedRef()
	case "unset", "":
		*r = CertRef{}
	default:
		return fmt.Errorf("unknown certificate reference status '%s'", v.Status)
	}
	return nil
}

// Record is the persisted rotation state of one device. Version is the optimistic
// concurrency token maintained by the store, 0 means the record was never stored.
type Record struct {
	SerialNumber         string    `json:"serial_number"`
	State                State     `json:"state"`
	VendorCertID         CertRef   `json:"vendor_cert_id"`
	ManufacturerCertID   CertRef   `json:"manufacturer_cert_id"`
	ManufacturerCACertID string    `json:"manufacturer_ca_cert_id"`
	Version              int64     `json:"version"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NewRecord returns a whitelisted record for a device
func NewRecord(serialNumber, manufacturerCACertID string) Record {
	return Record{
		SerialNumber:         serialNumber,
		State:                StateWhitelisted,
		ManufacturerCACertID: manufacturerCACertID,
	}
}

// Validate checks the per-state invariants of the record
func (r Record) Validate() error {
	if err := ValidateSerialNumber(r.SerialNumber); err != nil {
		return err
	}
	if r.ManufacturerCACertID == "" {
		return fmt.Errorf("record %s has no manufacturer CA certificate id", r.SerialNumber)
	}
	bad := func(field string, ref CertRef) error {
		return fmt.Errorf("record %s in state %s has invalid %s %s", r.SerialNumber, r.State, field, ref)
	}
	switch r.State {
	case StateWhitelisted:
		if !r.VendorCertID.IsUnset() {
			return bad("vendor certificate", r.VendorCertID)
		}
		if !r.ManufacturerCertID.IsUnset() {
			return bad("manufacturer certificate", r.ManufacturerCertID)
		}
	case StateThingCreated:
		if !r.VendorCertID.IsSet() {
			return bad("vendor certificate", r.VendorCertID)
		}
		if !r.ManufacturerCertID.IsUnset() {
			return bad("manufacturer certificate", r.ManufacturerCertID)
		}
	case StateManCertCreated:
		if !r.VendorCertID.IsSet() {
			return bad("vendor certificate", r.VendorCertID)
		}
		if !r.ManufacturerCertID.IsSet() {
			return bad("manufacturer certificate", r.ManufacturerCertID)
		}
	case StateRotationCompleted:
		if !r.VendorCertID.IsCleared() {
			return bad("vendor certificate", r.VendorCertID)
		}
		if !r.ManufacturerCertID.IsSet() {
			return bad("manufacturer certificate", r.ManufacturerCertID)
		}
	default:
		return fmt.Errorf("record %s has invalid state %s", r.SerialNumber, r.State)
	}
	return nil
}

// ValidateSerialNumber checks that a serial number can be used as a single topic level
func ValidateSerialNumber(serialNumber string) error {
	if serialNumber == "" {
		return fmt.Errorf("empty serial number")
	}
	if strings.ContainsAny(serialNumber, "/+#") {
		return fmt.Errorf("serial number '%s' contains topic separators or wildcards", serialNumber)
	}
	return nil
}
