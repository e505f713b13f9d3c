// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rotation

import (
	"fmt"
	"time"
)

// Action is what the handler has to do for a message
type Action int

// Actions decided by Decide
const (
	// ActionDrop ignores the message. Decision.Reason says why.
	ActionDrop Action = iota
	// ActionRecordVendorCert moves WHITELISTED to THING_CREATED
	ActionRecordVendorCert
	// ActionIssue signs, registers, activates and binds a manufacturer certificate and
	// moves THING_CREATED to MAN_CERT_CREATED
	ActionIssue
	// ActionReplayIssue re-publishes the stored manufacturer certificate
	ActionReplayIssue
	// ActionRetireVendor unbinds, deactivates and deletes the vendor certificate and
	// moves MAN_CERT_CREATED to ROTATION_COMPLETED
	ActionRetireVendor
	// ActionReplayAck re-publishes the ack reply
	ActionReplayAck
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionRecordVendorCert:
		return "record-vendor-cert"
	case ActionIssue:
		return "issue"
	case ActionReplayIssue:
		return "replay-issue"
	case ActionRetireVendor:
		return "retire-vendor"
	case ActionReplayAck:
		return "replay-ack"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision is the outcome of Decide. It carries everything the handler needs to execute
// the side effects.
type Decision struct {
	Action       Action
	Reason       error
	SerialNumber string
	From         State
	To           State
	// CSR to sign for ActionIssue
	CSR string
	// CertID is the vendor certificate for ActionRecordVendorCert and the manufacturer
	// certificate for the replay and retire actions
	CertID string
	// VendorCertID is the certificate to retire for ActionRetireVendor
	VendorCertID string
}

// Transitions returns true if executing the decision changes the record
func (d Decision) Transitions() bool {
	switch d.Action {
	case ActionRecordVendorCert, ActionIssue, ActionRetireVendor:
		return true
	}
	return false
}

// Outcome carries the results of side effects which are needed to build the next record
type Outcome struct {
	ManufacturerCertID string
}

func drop(rec Record, reason error) Decision {
	return Decision{Action: ActionDrop, Reason: reason, SerialNumber: rec.SerialNumber, From: rec.State, To: rec.State}
}

// Decide returns the action for a message given the current record. It has no side effects.
// Replays in a later state produce the same reply as the original message; anything else
// which does not fit the state is dropped.
func Decide(rec Record, msg Message) Decision {
	if msg.SerialNumber != "" && msg.SerialNumber != rec.SerialNumber {
		return drop(rec, fmt.Errorf("%w: message for %s applied to record %s", ErrInvalidMessage, msg.SerialNumber, rec.SerialNumber))
	}
	if err := rec.Validate(); err != nil {
		return drop(rec, fmt.Errorf("%w: %v", ErrStateMismatch, err))
	}

	stay := func(action Action, certID string) Decision {
		return Decision{Action: action, SerialNumber: rec.SerialNumber, From: rec.State, To: rec.State, CertID: certID}
	}
	advance := func(action Action) Decision {
		next, _ := rec.State.Next()
		return Decision{Action: action, SerialNumber: rec.SerialNumber, From: rec.State, To: next}
	}
	mismatch := func() Decision {
		return drop(rec, fmt.Errorf("%w: %s in state %s", ErrStateMismatch, msg.Kind, rec.State))
	}

	switch msg.Kind {
	case KindRegistration:
		if rec.State == StateWhitelisted {
			d := advance(ActionRecordVendorCert)
			d.CertID = msg.CertID
			return d
		}
		if rec.VendorCertID.Matches(msg.CertID) || rec.ManufacturerCertID.Matches(msg.CertID) {
			return drop(rec, fmt.Errorf("%w: certificate %s in state %s", ErrDuplicateEvent, msg.CertID, rec.State))
		}
		return drop(rec, fmt.Errorf("%w: certificate %s in state %s, vendor certificate is %s",
			ErrUnexpectedRegistration, msg.CertID, rec.State, rec.VendorCertID))

	case KindCreateRequest:
		switch rec.State {
		case StateThingCreated:
			d := advance(ActionIssue)
			d.CSR = msg.CSR
			return d
		case StateManCertCreated:
			return stay(ActionReplayIssue, rec.ManufacturerCertID.Value())
		}
		return mismatch()

	case KindAckRequest:
		switch rec.State {
		case StateManCertCreated, StateRotationCompleted:
		default:
			return mismatch()
		}
		if !rec.ManufacturerCertID.Matches(msg.CertID) {
			return drop(rec, fmt.Errorf("%w: got %s, stored %s", ErrCertIDMismatch, msg.CertID, rec.ManufacturerCertID))
		}
		if rec.State == StateRotationCompleted {
			return stay(ActionReplayAck, msg.CertID)
		}
		d := advance(ActionRetireVendor)
		d.CertID = msg.CertID
		d.VendorCertID = rec.VendorCertID.Value()
		return d
	}

	return drop(rec, fmt.Errorf("%w: %s messages are not handled by the cloud", ErrUnknownTopic, msg.Kind))
}

// Apply returns the record after a transitioning decision was executed. The version is
// left unchanged, it is maintained by the store.
func (d Decision) Apply(rec Record, out Outcome, now time.Time) (Record, error) {
	if !d.Transitions() {
		return rec, fmt.Errorf("decision %s does not change the record", d.Action)
	}
	if rec.State != d.From || rec.SerialNumber != d.SerialNumber {
		return rec, fmt.Errorf("%w: decision was made for %s in state %s, record is %s in state %s",
			ErrStateMismatch, d.SerialNumber, d.From, rec.SerialNumber, rec.State)
	}
	if next, ok := rec.State.Next(); !ok || next != d.To {
		return rec, fmt.Errorf("invalid transition from %s to %s", rec.State, d.To)
	}

	next := rec
	next.State = d.To
	next.UpdatedAt = now.UTC()
	switch d.Action {
	case ActionRecordVendorCert:
		next.VendorCertID = SetRef(d.CertID)
	case ActionIssue:
		if out.ManufacturerCertID == "" {
			return rec, fmt.Errorf("issue outcome carries no manufacturer certificate id")
		}
		next.ManufacturerCertID = SetRef(out.ManufacturerCertID)
	case ActionRetireVendor:
		next.VendorCertID = ClearedRef()
	}
	if err := next.Validate(); err != nil {
		return rec, err
	}
	return next, nil
}
