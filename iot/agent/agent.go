// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package agent implements the device side of the certificate rotation

The rotation runs in two sessions. With the vendor certificate the device sends a
certificate request for its existing key and receives the manufacturer certificate.
With the manufacturer certificate it acknowledges the new certificate and the cloud
retires the vendor certificate.

Every step subscribes to its reply topic, publishes the request and waits for a
matching reply. Without reply the request is published again, up to Attempts times.
Credentials are written only after a reply has been validated.
*/
package agent

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/rotation"
)

var (
	// ErrRetryExhausted is returned when no valid reply arrived within all attempts
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrBusy is returned when another flow of the same agent is running
	ErrBusy = errors.New("rotation flow already running")
	// ErrNoCredential is returned when a required credential is not stored
	ErrNoCredential = errors.New("credential not available")
)

// Agent rotates the certificate of one device
type Agent struct {
	serialNumber string
	dialer       Dialer
	credentials  *CredentialStore
	topics       rotation.Topics
	subject      string
	attempts     int
	replyTimeout time.Duration
	retryDelay   time.Duration
	busy         atomic.Bool
}

// Builder is a builder helper for the Agent
type Builder struct {
	// Dialer opens MQTT sessions. This is mandatory.
	Dialer Dialer
	// Credentials holds the device credentials. This is mandatory, its serial number
	// identifies the device.
	Credentials *CredentialStore
	// Topics configures the topic prefix
	Topics rotation.Topics
	// Subject is the openssl style subject template of the certificate request,
	// defaults to DefaultSubject
	Subject string
	// Attempts is the number of publications per step, defaults to 5
	Attempts int
	// ReplyTimeout is the time to wait for a reply, defaults to 10s
	ReplyTimeout time.Duration
	// RetryDelay is the initial delay before dialing again after a failed dial, defaults to 1s
	RetryDelay time.Duration
}

// New returns a new agent
func New(b *Builder) *Agent {
	if b.Dialer == nil {
		panic("dialer is missing")
	}
	if b.Credentials == nil {
		panic("credentials are missing")
	}
	if err := rotation.ValidateSerialNumber(b.Credentials.SerialNumber); err != nil {
		panic(err)
	}
	a := &Agent{
		serialNumber: b.Credentials.SerialNumber,
		dialer:       b.Dialer,
		credentials:  b.Credentials,
		topics:       b.Topics,
		subject:      b.Subject,
		attempts:     b.Attempts,
		replyTimeout: b.ReplyTimeout,
		retryDelay:   b.RetryDelay,
	}
	if a.subject == "" {
		a.subject = DefaultSubject
	}
	if a.attempts <= 0 {
		a.attempts = 5
	}
	if a.replyTimeout <= 0 {
		a.replyTimeout = 10 * time.Second
	}
	if a.retryDelay <= 0 {
		a.retryDelay = time.Second
	}
	return a
}

// acquire makes sure only one flow runs at a time
func (a *Agent) acquire() (func(), error) {
	if !a.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { a.busy.Store(false) }, nil
}

// Provision connects once with the vendor certificate. On AWS IoT the first connection
// registers the vendor certificate just in time.
func (a *Agent) Provision(ctx context.Context) error {
	release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx, rlog := logger.ContextWithSerialNumber(ctx, a.serialNumber)

	credential, err := a.credentials.VendorCredential()
	if err != nil {
		return err
	}
	delays := a.newBackOff()
	for attempt := 1; attempt <= a.attempts; attempt++ {
		session, err := a.dialer.Dial(ctx, credential)
		if err == nil {
			session.Close()
			rlog.Infoln("provisioned with vendor certificate")
			return nil
		}
		rlog.WithError(err).Warnf("provisioning attempt %d failed", attempt)
		if err := sleep(ctx, delays.NextBackOff()); err != nil {
			return err
		}
	}
	return ErrRetryExhausted
}

// CreateManufacturerCert requests the manufacturer certificate for the device key and
// stores it
func (a *Agent) CreateManufacturerCert(ctx context.Context) error {
	release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx, _ = logger.ContextWithSerialNumber(ctx, a.serialNumber)
	return a.createManufacturerCert(ctx)
}

// AckManufacturerCert acknowledges the stored manufacturer certificate using it for the session
func (a *Agent) AckManufacturerCert(ctx context.Context) error {
	release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx, _ = logger.ContextWithSerialNumber(ctx, a.serialNumber)
	return a.ackManufacturerCert(ctx)
}

// Rotate runs both steps. A stored manufacturer certificate is acknowledged without
// requesting a new one, a completed rotation is not repeated.
func (a *Agent) Rotate(ctx context.Context) error {
	release, err := a.acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx, rlog := logger.ContextWithSerialNumber(ctx, a.serialNumber)

	completed, err := a.credentials.Completed()
	if err != nil {
		return err
	}
	if completed {
		rlog.Infoln("rotation is already completed")
		return nil
	}
	_, _, err = a.credentials.ManufacturerCertificate()
	switch {
	case errors.Is(err, ErrNoCredential):
		if err := a.createManufacturerCert(ctx); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		rlog.Infoln("resuming with stored manufacturer certificate")
	}
	return a.ackManufacturerCert(ctx)
}

func (a *Agent) createManufacturerCert(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	credential, err := a.credentials.VendorCredential()
	if err != nil {
		return err
	}
	csr, err := BuildCSR(credential.Key, a.subject, a.serialNumber)
	if err != nil {
		return err
	}
	request, err := json.Marshal(rotation.CreateRequest{CSR: csr})
	if err != nil {
		return err
	}

	var reply rotation.CreateReply
	accept := func(payload []byte) error {
		var r rotation.CreateReply
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if err := a.validateCertificate(r, credential.Key); err != nil {
			return err
		}
		reply = r
		return nil
	}
	err = a.exchange(ctx, credential,
		a.topics.CreateRequest(a.serialNumber), a.topics.CreateReply(a.serialNumber), request, accept)
	if err != nil {
		return fmt.Errorf("create manufacturer certificate: %w", err)
	}
	if err := a.credentials.SaveManufacturerCertificate(reply.PEM, reply.CertID); err != nil {
		return err
	}
	rlog.Infof("stored manufacturer certificate %s", reply.CertID)
	return nil
}

func (a *Agent) ackManufacturerCert(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	_, certID, err := a.credentials.ManufacturerCertificate()
	if err != nil {
		return err
	}
	credential, err := a.credentials.ManufacturerCredential()
	if err != nil {
		return err
	}
	request, err := json.Marshal(rotation.AckRequest{CertID: certID})
	if err != nil {
		return err
	}
	accept := func(payload []byte) error {
		var r rotation.AckReply
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if r.CertID != certID {
			return fmt.Errorf("acknowledged %s, expected %s", r.CertID, certID)
		}
		return nil
	}
	err = a.exchange(ctx, credential,
		a.topics.AckRequest(a.serialNumber), a.topics.AckReply(a.serialNumber), request, accept)
	if err != nil {
		return fmt.Errorf("acknowledge manufacturer certificate: %w", err)
	}
	if err := a.credentials.MarkCompleted(certID); err != nil {
		return err
	}
	rlog.Infof("rotation to manufacturer certificate %s completed", certID)
	return nil
}

// validateCertificate checks that a create reply carries a certificate for this device
// and its key
func (a *Agent) validateCertificate(reply rotation.CreateReply, key crypto.Signer) error {
	cert, err := issuer.ParseCertificatePEM(reply.PEM)
	if err != nil {
		return err
	}
	if cert.Subject.CommonName != a.serialNumber {
		return fmt.Errorf("certificate is for %s", cert.Subject.CommonName)
	}
	if id := issuer.CertificateID(cert.Raw); id != reply.CertID {
		return fmt.Errorf("certificate id %s does not match %s", reply.CertID, id)
	}
	got, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return err
	}
	want, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errors.New("certificate is not for the device key")
	}
	return nil
}

func (a *Agent) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryDelay
	b.MaxInterval = a.replyTimeout
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange publishes the request until accept approves a reply. Each attempt is one
// publication followed by a wait of at most the reply timeout. A failed session is
// dropped and dialed again on the next attempt.
func (a *Agent) exchange(ctx context.Context, credential Credential, requestTopic, replyTopic string, request []byte, accept func(payload []byte) error) error {
	rlog := logger.FromContext(ctx).WithField("topic", requestTopic)
	replies := make(chan []byte, 16)
	onReply := func(payload []byte) {
		select {
		case replies <- payload:
		default:
		}
	}

	var session Session
	defer func() {
		if session != nil {
			session.Close()
		}
	}()
	delays := a.newBackOff()

	for attempt := 1; attempt <= a.attempts; attempt++ {
		if session == nil {
			s, err := a.dialer.Dial(ctx, credential)
			if err == nil {
				if err = s.Subscribe(ctx, replyTopic, onReply); err != nil {
					s.Close()
				}
			}
			if err != nil {
				rlog.WithError(err).Warnf("attempt %d: no session", attempt)
				if err := sleep(ctx, delays.NextBackOff()); err != nil {
					return err
				}
				continue
			}
			session = s
			delays.Reset()
		}

		if err := session.Publish(ctx, requestTopic, request); err != nil {
			rlog.WithError(err).Warnf("attempt %d: publish failed", attempt)
			session.Close()
			session = nil
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		rlog.Debugf("attempt %d: request published", attempt)

		timer := time.NewTimer(a.replyTimeout)
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case payload := <-replies:
				if err := accept(payload); err != nil {
					rlog.WithError(err).Infoln("ignoring reply")
					continue
				}
				timer.Stop()
				return nil
			case <-timer.C:
				rlog.Infof("attempt %d: no reply within %s", attempt, a.replyTimeout)
				break waiting
			}
		}
	}
	return ErrRetryExhausted
}
