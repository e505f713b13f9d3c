package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/rotation"
	"github.com/relabs-tech/certrotation/store"
)

// testStore exercises the contract every rotation.Store implementation fulfills
func testStore(t *testing.T, s rotation.Store) {
	ctx := context.Background()
	serial := "SN-" + uuid.New().String()

	_, err := s.Get(ctx, serial)
	assert.ErrorIs(t, err, rotation.ErrNotFound)

	rec := rotation.NewRecord(serial, "ca-1")
	rec.UpdatedAt = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	created, err := s.Swap(ctx, rotation.Record{SerialNumber: serial}, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = s.Swap(ctx, rotation.Record{SerialNumber: serial}, rec)
	assert.ErrorIs(t, err, rotation.ErrConflict, "creating twice must conflict")

	got, err := s.Get(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, rotation.StateWhitelisted, got.State)
	assert.True(t, got.VendorCertID.IsUnset())
	assert.True(t, got.ManufacturerCertID.IsUnset())
	assert.Equal(t, "ca-1", got.ManufacturerCACertID)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

	next := got
	next.State = rotation.StateThingCreated
	next.VendorCertID = rotation.SetRef("vendor-1")
	stored, err := s.Swap(ctx, got, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)

	// stale version
	_, err = s.Swap(ctx, got, next)
	assert.ErrorIs(t, err, rotation.ErrConflict)

	got, err = s.Get(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, rotation.StateThingCreated, got.State)
	assert.True(t, got.VendorCertID.Matches("vendor-1"))

	next = got
	next.State = rotation.StateManCertCreated
	next.ManufacturerCertID = rotation.SetRef("man-1")
	got, err = s.Swap(ctx, got, next)
	require.NoError(t, err)

	next = got
	next.State = rotation.StateRotationCompleted
	next.VendorCertID = rotation.ClearedRef()
	_, err = s.Swap(ctx, got, next)
	require.NoError(t, err)

	got, err = s.Get(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, rotation.StateRotationCompleted, got.State)
	assert.True(t, got.VendorCertID.IsCleared(), "cleared survives a round trip")
	assert.True(t, got.ManufacturerCertID.Matches("man-1"))
	assert.Equal(t, int64(4), got.Version)
	assert.NoError(t, got.Validate())

	// invalid records are rejected
	invalid := got
	invalid.VendorCertID = rotation.SetRef("vendor-1")
	_, err = s.Swap(ctx, got, invalid)
	assert.Error(t, err)

	// Put overwrites and bumps the version
	put, err := s.Put(ctx, rotation.NewRecord(serial, "ca-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), put.Version)
	got, err = s.Get(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, rotation.StateWhitelisted, got.State)
	assert.Equal(t, "ca-2", got.ManufacturerCACertID)

	require.NoError(t, s.Delete(ctx, serial))
	_, err = s.Get(ctx, serial)
	assert.ErrorIs(t, err, rotation.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, serial))
}

// testConcurrentSwap checks that exactly one of many concurrent writers wins
func testConcurrentSwap(t *testing.T, s rotation.Store) {
	ctx := context.Background()
	serial := "SN-" + uuid.New().String()
	rec, err := s.Put(ctx, rotation.NewRecord(serial, "ca-1"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		wins      int32
		conflicts int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := rec
			next.State = rotation.StateThingCreated
			next.VendorCertID = rotation.SetRef(uuid.New().String())
			_, err := s.Swap(ctx, rec, next)
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if assert.ErrorIs(t, err, rotation.ErrConflict) {
				atomic.AddInt32(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(9), conflicts)
}

func TestMemory(t *testing.T) {
	testStore(t, store.NewMemory())
	testConcurrentSwap(t, store.NewMemory())
}
