// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/issuer"
)

// Handler is the cloud side of the rotation protocol. It consumes registration events and
// device requests, executes the side effects chosen by Decide and publishes the replies.
//
// A Handler is safe for concurrent use. Messages for the same serial number are
// serialized in process; across processes the store's Swap guarantees that only one
// handler advances a record.
type Handler struct {
	store     Store
	issuer    issuer.Service
	publisher Publisher
	codec     *Codec
	notifier  Notifier
	archiver  Archiver
	clock     func() time.Time
	locks     *keyedMutex
}

// Builder is a builder helper for the Handler
type Builder struct {
	// Store holds the device records. This is mandatory.
	Store Store
	// Issuer signs and manages certificates. This is mandatory.
	Issuer issuer.Service
	// Publisher sends the replies to the devices. This is mandatory.
	Publisher Publisher
	// Topics configures the topic prefix
	Topics Topics
	// Notifier receives every transition. Optional.
	Notifier Notifier
	// Archiver receives every issued certificate. Optional.
	Archiver Archiver
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Reply is a published reply
type Reply struct {
	Topic   string
	Payload []byte
}

// Result describes how a message was handled. Err is set for dropped messages and for
// failed side effects, it never means the handler is unusable.
type Result struct {
	Topic        string
	Kind         Kind
	SerialNumber string
	Action       Action
	From         State
	To           State
	Reply        *Reply
	Err          error
}

// NewHandler returns a new handler
func NewHandler(b *Builder) *Handler {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Issuer == nil {
		panic("issuer is missing")
	}
	if b.Publisher == nil {
		panic("publisher is missing")
	}
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		store:     b.Store,
		issuer:    b.Issuer,
		publisher: b.Publisher,
		codec:     MustNewCodec(b.Topics),
		notifier:  b.Notifier,
		archiver:  b.Archiver,
		clock:     clock,
		locks:     newKeyedMutex(),
	}
}

// Topics returns the topics the handler works on
func (h *Handler) Topics() Topics {
	return h.codec.Topics()
}

// HandleMessage handles one inbound message. It never panics and never returns a fatal
// error; the result is for logging and testing.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) (result Result) {
	ctx, rlog := logger.ContextWithLogger(ctx)
	result = Result{Topic: topic}
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("recovered from panic handling %s: %v", topic, r)
			rlog.Errorln(result.Err)
		}
	}()

	msg, err := h.codec.Decode(topic, payload)
	result.Kind = msg.Kind
	if err != nil {
		result.Err = err
		rlog.WithError(err).Warnln("dropping rotation message")
		return result
	}

	serialNumber := msg.SerialNumber
	if msg.Kind == KindRegistration {
		serialNumber, err = h.resolveSerialNumber(ctx, msg.CertID)
		if err != nil {
			result.Err = err
			rlog.WithError(err).Errorf("cannot handle registration of certificate %s", msg.CertID)
			return result
		}
	}
	result.SerialNumber = serialNumber
	ctx, rlog = logger.ContextWithSerialNumber(ctx, serialNumber)

	unlock := h.locks.Lock(serialNumber)
	defer unlock()

	rec, err := h.store.Get(ctx, serialNumber)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			rlog.Warnf("dropping %s for device which is not enrolled", msg.Kind)
		} else {
			rlog.WithError(err).Errorf("cannot read record, dropping %s", msg.Kind)
		}
		result.Err = err
		return result
	}
	msg.SerialNumber = serialNumber

	d := Decide(rec, msg)
	result.Action = d.Action
	result.From, result.To = d.From, d.From
	rlog = rlog.WithFields(logrus.Fields{"state": rec.State.String(), "action": d.Action.String()})

	switch d.Action {
	case ActionDrop:
		result.Err = d.Reason
		logDrop(rlog, d.Reason)
		return result
	case ActionRecordVendorCert:
		result.Err = h.recordVendorCert(ctx, rec, d)
	case ActionIssue:
		result.Reply, result.Err = h.issue(ctx, rec, d)
	case ActionReplayIssue:
		result.Reply, result.Err = h.replayIssue(ctx, d)
	case ActionRetireVendor:
		result.Reply, result.Err = h.retireVendor(ctx, rec, d)
	case ActionReplayAck:
		result.Reply, result.Err = h.replyAck(ctx, d)
	}

	if result.Err != nil {
		rlog.WithError(result.Err).Errorf("cannot handle %s", msg.Kind)
		return result
	}
	if d.Transitions() {
		result.To = d.To
		rlog.Infof("rotation advanced from %s to %s", d.From, d.To)
	} else {
		rlog.Debugf("replayed reply for %s", msg.Kind)
	}
	return result
}

func logDrop(rlog *logrus.Entry, reason error) {
	switch {
	case errors.Is(reason, ErrDuplicateEvent), errors.Is(reason, ErrStateMismatch):
		rlog.WithError(reason).Debugln("dropping rotation message")
	default:
		rlog.WithError(reason).Warnln("dropping rotation message")
	}
}

// resolveSerialNumber recovers the serial number from the subject of a registered certificate
func (h *Handler) resolveSerialNumber(ctx context.Context, certID string) (string, error) {
	certPEM, err := h.issuer.FetchPEM(ctx, certID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIdentityResolution, certID, err)
	}
	commonName, err := issuer.CommonName(certPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIdentityResolution, certID, err)
	}
	if err := ValidateSerialNumber(commonName); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIdentityResolution, certID, err)
	}
	return commonName, nil
}

func (h *Handler) recordVendorCert(ctx context.Context, rec Record, d Decision) error {
	next, err := d.Apply(rec, Outcome{}, h.clock())
	if err != nil {
		return err
	}
	if _, err := h.store.Swap(ctx, rec, next); err != nil {
		return err
	}
	h.notify(ctx, d, d.CertID)
	return nil
}

func (h *Handler) issue(ctx context.Context, rec Record, d Decision) (*Reply, error) {
	rlog := logger.FromContext(ctx)

	csr, err := issuer.ParseCSR(d.CSR)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if csr.Subject.CommonName != d.SerialNumber {
		return nil, fmt.Errorf("%w: CSR common name '%s' does not match serial number",
			ErrInvalidMessage, csr.Subject.CommonName)
	}

	issued, err := h.issuer.Sign(ctx, d.CSR, rec.ManufacturerCACertID)
	if err != nil {
		return nil, err
	}
	certID, err := h.issuer.Register(ctx, issued.PEM, issued.AuthorityPEM)
	if err != nil {
		return nil, err
	}

	bound := false
	compensate := func(cause error) error {
		rlog.WithError(cause).Warnf("rolling back manufacturer certificate %s", certID)
		if bound {
			if err := h.issuer.Unbind(ctx, d.SerialNumber, certID); err != nil {
				rlog.WithError(err).Errorf("cannot unbind certificate %s", certID)
			}
		}
		if err := h.issuer.Deactivate(ctx, certID); err != nil {
			rlog.WithError(err).Errorf("cannot deactivate certificate %s", certID)
		}
		if err := h.issuer.Delete(ctx, certID); err != nil {
			rlog.WithError(err).Errorf("cannot delete certificate %s", certID)
		}
		return cause
	}

	if err := h.issuer.Activate(ctx, certID); err != nil {
		return nil, compensate(err)
	}
	if err := h.issuer.Bind(ctx, d.SerialNumber, certID); err != nil {
		return nil, compensate(err)
	}
	bound = true

	next, err := d.Apply(rec, Outcome{ManufacturerCertID: certID}, h.clock())
	if err != nil {
		return nil, compensate(err)
	}
	if _, err := h.store.Swap(ctx, rec, next); err != nil {
		return nil, compensate(err)
	}
	h.notify(ctx, d, certID)

	// the reply carries the registered PEM so that replays are byte identical
	certPEM, err := h.issuer.FetchPEM(ctx, certID)
	if err != nil {
		return nil, err
	}
	if h.archiver != nil {
		if err := h.archiver.ArchiveCertificate(ctx, d.SerialNumber, certID, certPEM); err != nil {
			rlog.WithError(err).Errorf("cannot archive certificate %s", certID)
		}
	}
	return h.publish(ctx, h.codec.Topics().CreateReply(d.SerialNumber), CreateReply{PEM: certPEM, CertID: certID})
}

func (h *Handler) replayIssue(ctx context.Context, d Decision) (*Reply, error) {
	certPEM, err := h.issuer.FetchPEM(ctx, d.CertID)
	if err != nil {
		return nil, err
	}
	return h.publish(ctx, h.codec.Topics().CreateReply(d.SerialNumber), CreateReply{PEM: certPEM, CertID: d.CertID})
}

func (h *Handler) retireVendor(ctx context.Context, rec Record, d Decision) (*Reply, error) {
	if err := h.issuer.Unbind(ctx, d.SerialNumber, d.VendorCertID); err != nil {
		return nil, err
	}
	if err := h.issuer.Deactivate(ctx, d.VendorCertID); err != nil {
		return nil, err
	}
	if err := h.issuer.Delete(ctx, d.VendorCertID); err != nil {
		return nil, err
	}
	next, err := d.Apply(rec, Outcome{}, h.clock())
	if err != nil {
		return nil, err
	}
	if _, err := h.store.Swap(ctx, rec, next); err != nil {
		return nil, err
	}
	h.notify(ctx, d, d.CertID)
	return h.replyAck(ctx, d)
}

func (h *Handler) replyAck(ctx context.Context, d Decision) (*Reply, error) {
	return h.publish(ctx, h.codec.Topics().AckReply(d.SerialNumber), AckReply{CertID: d.CertID})
}

func (h *Handler) publish(ctx context.Context, topic string, v interface{}) (*Reply, error) {
	payload, err := h.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := h.publisher.PublishMessageQ1(ctx, topic, payload); err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrPublish, topic, err)
	}
	return &Reply{Topic: topic, Payload: payload}, nil
}

func (h *Handler) notify(ctx context.Context, d Decision, certID string) {
	if h.notifier == nil {
		return
	}
	t := Transition{
		SerialNumber:  d.SerialNumber,
		From:          d.From,
		To:            d.To,
		CertificateID: certID,
		Timestamp:     h.clock().UTC(),
	}
	if err := h.notifier.NotifyTransition(ctx, t); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot notify transition to %s", d.To)
	}
}
