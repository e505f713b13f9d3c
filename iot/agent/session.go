package agent

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/certrotation/core/logger"
)

// Credential is the identity of a device session
type Credential struct {
	// ClientID is the MQTT client id, the serial number of the device
	ClientID string
	// CertificatePEM is the device certificate, optionally followed by its CA chain
	CertificatePEM string
	// Key is the device private key
	Key crypto.Signer
}

// TLSCertificate returns the credential as TLS client certificate
func (c Credential) TLSCertificate() (tls.Certificate, error) {
	var crt tls.Certificate
	rest := []byte(c.CertificatePEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			crt.Certificate = append(crt.Certificate, block.Bytes)
		}
	}
	if len(crt.Certificate) == 0 {
		return crt, fmt.Errorf("%w: no certificate for %s", ErrNoCredential, c.ClientID)
	}
	if c.Key == nil {
		return crt, fmt.Errorf("%w: no key for %s", ErrNoCredential, c.ClientID)
	}
	crt.PrivateKey = c.Key
	return crt, nil
}

// Session is a connected MQTT session. Messages are exchanged with QoS 1.
type Session interface {
	// Subscribe returns once the broker acknowledged the subscription
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	// Publish returns once the broker acknowledged the message
	Publish(ctx context.Context, topic string, payload []byte) error
	// Close disconnects the session
	Close()
}

// Dialer opens sessions
type Dialer interface {
	Dial(ctx context.Context, credential Credential) (Session, error)
}

// PahoDialer connects to an MQTT broker over TLS with client certificates
type PahoDialer struct {
	// Broker is the broker url, for example ssl://example.iot.eu-central-1.amazonaws.com:8883
	Broker string
	// RootCAs verifies the broker. Nil uses the system pool.
	RootCAs *x509.CertPool
	// ServerName overrides the host name used to verify the broker
	ServerName string
	// ConnectTimeout defaults to 10s
	ConnectTimeout time.Duration
	// KeepAlive defaults to 120s
	KeepAlive time.Duration
}

// Dial implements Dialer
func (d *PahoDialer) Dial(ctx context.Context, credential Credential) (Session, error) {
	crt, err := credential.TLSCertificate()
	if err != nil {
		return nil, err
	}
	connectTimeout := d.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = 120 * time.Second
	}

	rlog := logger.FromContext(ctx)
	opts := paho.NewClientOptions().
		AddBroker(d.Broker).
		SetClientID(credential.ClientID).
		SetTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{crt},
			RootCAs:      d.RootCAs,
			ServerName:   d.ServerName,
			MinVersion:   tls.VersionTLS12,
		}).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			rlog.WithError(err).Warnln("mqtt connection lost")
		})

	client := paho.NewClient(opts)
	if err := wait(ctx, client.Connect(), connectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("cannot connect to %s: %w", d.Broker, err)
	}
	rlog.Debugf("connected to %s", d.Broker)
	return &pahoSession{client: client, timeout: connectTimeout}, nil
}

type pahoSession struct {
	client  paho.Client
	timeout time.Duration
}

// wait waits for a token, the timeout or the context
func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("mqtt timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pahoSession) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	token := s.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	})
	if err := wait(ctx, token, s.timeout); err != nil {
		return err
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if qos, ok := st.Result()[topic]; ok && qos == 0x80 {
			return fmt.Errorf("subscription to %s refused", topic)
		}
	}
	return nil
}

func (s *pahoSession) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, s.client.Publish(topic, 1, false, payload), s.timeout)
}

func (s *pahoSession) Close() {
	s.client.Disconnect(250)
}
