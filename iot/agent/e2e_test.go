package agent_test

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/issuertest"
	"github.com/relabs-tech/certrotation/iot/agent"
	"github.com/relabs-tech/certrotation/iot/mqtt"
	"github.com/relabs-tech/certrotation/rotation"
	"github.com/relabs-tech/certrotation/store"
)

func TestRotationThroughBroker(t *testing.T) {
	ctx := context.Background()
	vendor := issuertest.NewAuthority(t, "vendor")
	manufacturer := issuertest.NewAuthority(t, "manufacturer")
	server := issuertest.NewAuthority(t, "server")
	service, registry := issuertest.NewService(t, vendor, manufacturer)
	records := store.NewMemory()

	broker := mqtt.NewBroker(&mqtt.Builder{
		Inventory:               registry,
		Topics:                  topics,
		RegistrationAuthorities: []string{vendor.ID},
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{server.ServerCertificate(t)},
			ClientCAs:    issuertest.Pool(vendor, manufacturer),
			ClientAuth:   tls.RequireAndVerifyClientCert,
		},
		Address: "127.0.0.1:0",
	})
	broker.HandleMessages(rotation.NewHandler(&rotation.Builder{
		Store:     records,
		Issuer:    service,
		Publisher: broker,
		Topics:    topics,
	}))
	broker.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		broker.Stop(ctx)
	}()

	_, err := records.Put(ctx, rotation.NewRecord("SN-1", manufacturer.ID))
	require.NoError(t, err)

	credentials := &agent.CredentialStore{Dir: t.TempDir(), SerialNumber: "SN-1"}
	key := issuertest.NewKey(t)
	vendorPEM := vendor.Issue(t, key, "SN-1")
	writeFile(t, credentials.Dir, "SN-1_ven.key", issuertest.KeyPEM(t, key))
	writeFile(t, credentials.Dir, "SN-1_ven.pem", vendorPEM)
	writeFile(t, credentials.Dir, "manufacturer_ca.pem", manufacturer.PEM)

	dialer := &agent.PahoDialer{
		Broker:         "ssl://" + broker.Addr().String(),
		RootCAs:        issuertest.Pool(server),
		ServerName:     "localhost",
		ConnectTimeout: 5 * time.Second,
	}
	a := agent.New(&agent.Builder{
		Dialer:       dialer,
		Credentials:  credentials,
		Topics:       topics,
		ReplyTimeout: 5 * time.Second,
		RetryDelay:   10 * time.Millisecond,
	})
	require.NoError(t, a.Rotate(ctx))

	_, manID, err := credentials.ManufacturerCertificate()
	require.NoError(t, err)
	rec, err := records.Get(ctx, "SN-1")
	require.NoError(t, err)
	assert.Equal(t, rotation.StateRotationCompleted, rec.State)
	assert.True(t, rec.ManufacturerCertID.Matches(manID))
	assert.True(t, rec.VendorCertID.IsCleared())

	manCert, err := registry.Certificate(ctx, manID)
	require.NoError(t, err)
	assert.Equal(t, issuer.StatusActive, manCert.Status)
	assert.True(t, manCert.BoundTo("SN-1"))

	vendorID, _ := issuer.CertificateIDFromPEM(vendorPEM)
	_, err = registry.Certificate(ctx, vendorID)
	assert.ErrorIs(t, err, issuer.ErrNotFound, "the vendor certificate is retired")

	retired := agent.New(&agent.Builder{
		Dialer:      dialer,
		Credentials: credentials,
		Topics:      topics,
		Attempts:    2,
		RetryDelay:  10 * time.Millisecond,
	})
	assert.ErrorIs(t, retired.Provision(ctx), agent.ErrRetryExhausted, "the vendor certificate is refused")
}
