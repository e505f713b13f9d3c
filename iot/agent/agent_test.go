package agent_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/issuertest"
	"github.com/relabs-tech/certrotation/iot/agent"
	"github.com/relabs-tech/certrotation/rotation"
)

var topics = rotation.Topics{Prefix: "test/"}

// responder plays the cloud side. It returns the reply topic and payloads to deliver.
type responder func(topic string, payload []byte) (string, [][]byte)

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	failDials int
	published []string
	respond   responder
	onPublish func()
}

type fakeSession struct {
	d        *fakeDialer
	handlers map[string]func([]byte)
}

func (d *fakeDialer) Dial(ctx context.Context, credential agent.Credential) (agent.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failDials {
		return nil, errors.New("connection refused")
	}
	if _, err := credential.TLSCertificate(); err != nil {
		return nil, err
	}
	return &fakeSession{d: d, handlers: map[string]func([]byte){}}, nil
}

func (d *fakeDialer) publications() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.published...)
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	s.handlers[topic] = handler
	return nil
}

func (s *fakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.d.mu.Lock()
	s.d.published = append(s.d.published, topic)
	respond, onPublish := s.d.respond, s.d.onPublish
	s.d.mu.Unlock()
	if onPublish != nil {
		onPublish()
	}
	if respond == nil {
		return nil
	}
	replyTopic, replies := respond(topic, payload)
	if handler := s.handlers[replyTopic]; handler != nil {
		go func() {
			for _, reply := range replies {
				handler(reply)
			}
		}()
	}
	return nil
}

func (s *fakeSession) Close() {}

type device struct {
	store        *agent.CredentialStore
	vendor       *issuertest.Authority
	manufacturer *issuertest.Authority
	service      *issuer.Adapter
}

func newDevice(t *testing.T, serialNumber string) *device {
	d := &device{
		store:        &agent.CredentialStore{Dir: t.TempDir(), SerialNumber: serialNumber},
		vendor:       issuertest.NewAuthority(t, "vendor"),
		manufacturer: issuertest.NewAuthority(t, "manufacturer"),
	}
	d.service, _ = issuertest.NewService(t, d.manufacturer)
	key := issuertest.NewKey(t)
	writeFile(t, d.store.Dir, serialNumber+"_ven.key", issuertest.KeyPEM(t, key))
	writeFile(t, d.store.Dir, serialNumber+"_ven.pem", d.vendor.Issue(t, key, serialNumber)+d.vendor.PEM)
	return d
}

func writeFile(t *testing.T, dir, name, data string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o600))
}

func (d *device) newAgent(dialer agent.Dialer, attempts int) *agent.Agent {
	return agent.New(&agent.Builder{
		Dialer:       dialer,
		Credentials:  d.store,
		Topics:       topics,
		Subject:      "/O=Test/OU=Manufacturing/CN={}",
		Attempts:     attempts,
		ReplyTimeout: 50 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
}

// cloud signs create requests with the manufacturer authority and echoes acks
func (d *device) cloud(t *testing.T) responder {
	serialNumber := d.store.SerialNumber
	return func(topic string, payload []byte) (string, [][]byte) {
		switch topic {
		case topics.CreateRequest(serialNumber):
			var request rotation.CreateRequest
			require.NoError(t, json.Unmarshal(payload, &request))
			issued, err := d.service.Sign(context.Background(), request.CSR, d.manufacturer.ID)
			require.NoError(t, err)
			reply, _ := json.Marshal(rotation.CreateReply{PEM: issued.PEM, CertID: issued.ID})
			return topics.CreateReply(serialNumber), [][]byte{reply}
		case topics.AckRequest(serialNumber):
			return topics.AckReply(serialNumber), [][]byte{payload}
		}
		return "", nil
	}
}

func TestRotate(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{respond: d.cloud(t)}
	a := d.newAgent(dialer, 5)

	require.NoError(t, a.Rotate(context.Background()))

	certPEM, certID, err := d.store.ManufacturerCertificate()
	require.NoError(t, err)
	id, err := issuer.CertificateIDFromPEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, id, certID)
	cert, err := issuer.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "SN-1", cert.Subject.CommonName)
	assert.Equal(t, []string{"Test"}, cert.Subject.Organization)

	completed, err := d.store.Completed()
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []string{topics.CreateRequest("SN-1"), topics.AckRequest("SN-1")}, dialer.publications())

	require.NoError(t, a.Rotate(context.Background()))
	assert.Len(t, dialer.publications(), 2, "a completed rotation is not repeated")
}

func TestCreateExhaustsRetries(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{}
	a := d.newAgent(dialer, 5)

	err := a.CreateManufacturerCert(context.Background())
	assert.ErrorIs(t, err, agent.ErrRetryExhausted)
	assert.Len(t, dialer.publications(), 5)
	assert.Equal(t, 1, dialer.dials, "the session is kept across attempts")

	_, _, err = d.store.ManufacturerCertificate()
	assert.ErrorIs(t, err, agent.ErrNoCredential)
	_, err = os.Stat(filepath.Join(d.store.Dir, "SN-1_man.pem"))
	assert.True(t, os.IsNotExist(err), "nothing is written without a reply")
}

func TestStaleRepliesAreIgnored(t *testing.T) {
	d := newDevice(t, "SN-1")
	cloud := d.cloud(t)
	foreignKey := issuertest.NewKey(t)
	foreign := d.manufacturer.Issue(t, foreignKey, "SN-1")
	foreignID, _ := issuer.CertificateIDFromPEM(foreign)
	otherDevice := d.manufacturer.Issue(t, foreignKey, "SN-2")
	otherID, _ := issuer.CertificateIDFromPEM(otherDevice)

	dialer := &fakeDialer{respond: func(topic string, payload []byte) (string, [][]byte) {
		replyTopic, replies := cloud(topic, payload)
		wrongKey, _ := json.Marshal(rotation.CreateReply{PEM: foreign, CertID: foreignID})
		wrongDevice, _ := json.Marshal(rotation.CreateReply{PEM: otherDevice, CertID: otherID})
		wrongID, _ := json.Marshal(rotation.CreateReply{PEM: foreign, CertID: "0123"})
		stale := [][]byte{[]byte(`{"pem":`), wrongKey, wrongDevice, wrongID}
		return replyTopic, append(stale, replies...)
	}}
	a := d.newAgent(dialer, 1)

	require.NoError(t, a.CreateManufacturerCert(context.Background()))
	certPEM, _, err := d.store.ManufacturerCertificate()
	require.NoError(t, err)
	assert.NotEqual(t, foreign, certPEM)
	assert.Len(t, dialer.publications(), 1)
}

func TestAckNeedsMatchingReply(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{respond: d.cloud(t)}
	a := d.newAgent(dialer, 2)
	require.NoError(t, a.CreateManufacturerCert(context.Background()))

	dialer.mu.Lock()
	dialer.respond = func(topic string, payload []byte) (string, [][]byte) {
		reply, _ := json.Marshal(rotation.AckReply{CertID: "someone-else"})
		return topics.AckReply("SN-1"), [][]byte{reply}
	}
	dialer.mu.Unlock()

	err := a.AckManufacturerCert(context.Background())
	assert.ErrorIs(t, err, agent.ErrRetryExhausted)
	completed, err := d.store.Completed()
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestAckWithoutCertificate(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{respond: d.cloud(t)}
	err := d.newAgent(dialer, 5).AckManufacturerCert(context.Background())
	assert.ErrorIs(t, err, agent.ErrNoCredential)
	assert.Zero(t, dialer.dials)
}

func TestRotateResumesWithStoredCertificate(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{respond: d.cloud(t)}
	a := d.newAgent(dialer, 5)
	require.NoError(t, a.CreateManufacturerCert(context.Background()))

	require.NoError(t, a.Rotate(context.Background()))
	assert.Equal(t, []string{topics.CreateRequest("SN-1"), topics.AckRequest("SN-1")}, dialer.publications())
}

func TestDialFailuresAreRetried(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{respond: d.cloud(t), failDials: 2}
	require.NoError(t, d.newAgent(dialer, 5).CreateManufacturerCert(context.Background()))
	assert.Equal(t, 3, dialer.dials)
	assert.Len(t, dialer.publications(), 1)

	dialer = &fakeDialer{respond: d.cloud(t), failDials: 10}
	assert.ErrorIs(t, d.newAgent(dialer, 3).AckManufacturerCert(context.Background()), agent.ErrRetryExhausted)
	assert.Equal(t, 3, dialer.dials)
}

func TestSingleFlight(t *testing.T) {
	d := newDevice(t, "SN-1")
	published := make(chan struct{}, 1)
	dialer := &fakeDialer{onPublish: func() {
		select {
		case published <- struct{}{}:
		default:
		}
	}}
	a := agent.New(&agent.Builder{
		Dialer:       dialer,
		Credentials:  d.store,
		Topics:       topics,
		ReplyTimeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.CreateManufacturerCert(ctx) }()
	<-published

	assert.ErrorIs(t, a.Rotate(context.Background()), agent.ErrBusy)
	assert.ErrorIs(t, a.AckManufacturerCert(context.Background()), agent.ErrBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, a.AckManufacturerCert(context.Background()), agent.ErrNoCredential, "the agent is free again")
}

func TestProvision(t *testing.T) {
	d := newDevice(t, "SN-1")
	dialer := &fakeDialer{failDials: 1}
	require.NoError(t, d.newAgent(dialer, 3).Provision(context.Background()))
	assert.Equal(t, 2, dialer.dials)

	dialer = &fakeDialer{failDials: 5}
	assert.ErrorIs(t, d.newAgent(dialer, 3).Provision(context.Background()), agent.ErrRetryExhausted)
}

func TestNewValidatesSerialNumber(t *testing.T) {
	assert.Panics(t, func() {
		agent.New(&agent.Builder{Dialer: &fakeDialer{}, Credentials: &agent.CredentialStore{SerialNumber: "a/b"}})
	})
	assert.Panics(t, func() {
		agent.New(&agent.Builder{Credentials: &agent.CredentialStore{SerialNumber: "SN-1"}})
	})
}
