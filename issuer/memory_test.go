package issuer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/issuertest"
)

// testInventory exercises the lifecycle of an Inventory implementation
func testInventory(t *testing.T, registry issuer.Inventory) {
	ctx := context.Background()
	vendor := issuertest.NewAuthority(t, "vendor")
	stranger := issuertest.NewAuthority(t, "stranger")

	vendorID, err := registry.AddAuthority(ctx, vendor.PEM)
	require.NoError(t, err)
	assert.Equal(t, vendor.ID, vendorID)
	authorityPEM, err := registry.AuthorityPEM(ctx, vendorID)
	require.NoError(t, err)
	assert.Equal(t, vendor.PEM, authorityPEM)
	_, err = registry.AuthorityPEM(ctx, stranger.ID)
	assert.ErrorIs(t, err, issuer.ErrNotFound)

	key := issuertest.NewKey(t)
	certPEM := vendor.Issue(t, key, "SN-1")

	// unknown authority
	_, err = registry.Register(ctx, stranger.Issue(t, key, "SN-1"), stranger.PEM)
	assert.ErrorIs(t, err, issuer.ErrIssuerService)
	// wrong authority
	_, err = registry.Register(ctx, certPEM, stranger.PEM)
	assert.ErrorIs(t, err, issuer.ErrIssuerService)

	id, err := registry.Register(ctx, certPEM, vendor.PEM)
	require.NoError(t, err)
	expectedID, err := issuer.CertificateIDFromPEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, expectedID, id)

	again, err := registry.Register(ctx, certPEM, vendor.PEM)
	require.NoError(t, err)
	assert.Equal(t, id, again, "registering twice returns the existing id")

	c, err := registry.Certificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, issuer.StatusInactive, c.Status)
	assert.Equal(t, vendor.ID, c.AuthorityID)

	require.NoError(t, registry.Activate(ctx, id))
	require.NoError(t, registry.Bind(ctx, "SN-1", id))
	require.NoError(t, registry.Bind(ctx, "SN-1", id))
	c, err = registry.Certificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, issuer.StatusActive, c.Status)
	assert.Equal(t, []string{"SN-1"}, c.Things)
	assert.True(t, c.BoundTo("SN-1"))

	fetched, err := registry.FetchPEM(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, certPEM, fetched)

	// active and bound certificates cannot be deleted
	assert.ErrorIs(t, registry.Delete(ctx, id), issuer.ErrIssuerService)
	require.NoError(t, registry.Unbind(ctx, "SN-1", id))
	assert.ErrorIs(t, registry.Delete(ctx, id), issuer.ErrIssuerService)
	require.NoError(t, registry.Deactivate(ctx, id))
	require.NoError(t, registry.Delete(ctx, id))

	_, err = registry.FetchPEM(ctx, id)
	assert.ErrorIs(t, err, issuer.ErrNotFound)
	assert.ErrorIs(t, registry.Activate(ctx, id), issuer.ErrNotFound)
	assert.ErrorIs(t, registry.Bind(ctx, "SN-1", id), issuer.ErrNotFound)

	// retiring again converges
	assert.NoError(t, registry.Unbind(ctx, "SN-1", id))
	assert.NoError(t, registry.Deactivate(ctx, id))
	assert.NoError(t, registry.Delete(ctx, id))
}

func TestMemoryRegistry(t *testing.T) {
	testInventory(t, issuer.NewMemoryRegistry())
}

func TestAddAuthorityRequiresCA(t *testing.T) {
	vendor := issuertest.NewAuthority(t, "vendor")
	leaf := vendor.Issue(t, issuertest.NewKey(t), "SN-1")
	_, err := issuer.NewMemoryRegistry().AddAuthority(context.Background(), leaf)
	assert.Error(t, err)
}

func TestNewServiceSignsWithRegisteredAuthority(t *testing.T) {
	ctx := context.Background()
	manufacturer := issuertest.NewAuthority(t, "manufacturer")
	service, registry := issuertest.NewService(t, manufacturer)

	issued, err := service.Sign(ctx, issuertest.CSR(t, issuertest.NewKey(t), "SN-2"), manufacturer.ID)
	require.NoError(t, err)
	id, err := service.Register(ctx, issued.PEM, issued.AuthorityPEM)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, id)

	c, err := registry.Certificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, issuer.StatusInactive, c.Status)
}
