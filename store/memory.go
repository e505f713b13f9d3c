/*
Package store implements rotation.Store on top of memory, postgres and DynamoDB.

All implementations maintain the record version as optimistic concurrency token: a
successful write stores prev.Version+1, Swap fails with rotation.ErrConflict when the
stored version differs from prev.Version.
*/
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/relabs-tech/certrotation/rotation"
)

// Memory is a rotation.Store in memory
type Memory struct {
	mutex   sync.RWMutex
	records map[string]rotation.Record
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{records: map[string]rotation.Record{}}
}

// Get implements rotation.Store
func (m *Memory) Get(ctx context.Context, serialNumber string) (rotation.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.records[serialNumber]
	if !ok {
		return rotation.Record{}, fmt.Errorf("%w: %s", rotation.ErrNotFound, serialNumber)
	}
	return rec, nil
}

// Put implements rotation.Store
func (m *Memory) Put(ctx context.Context, rec rotation.Record) (rotation.Record, error) {
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec.Version = m.records[rec.SerialNumber].Version + 1
	m.records[rec.SerialNumber] = rec
	return rec, nil
}

// Swap implements rotation.Store
func (m *Memory) Swap(ctx context.Context, prev, next rotation.Record) (rotation.Record, error) {
	if prev.SerialNumber != next.SerialNumber {
		return next, fmt.Errorf("cannot swap record %s with %s", prev.SerialNumber, next.SerialNumber)
	}
	if err := next.Validate(); err != nil {
		return next, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	current, ok := m.records[prev.SerialNumber]
	if (!ok && prev.Version != 0) || (ok && current.Version != prev.Version) {
		return next, fmt.Errorf("%w: %s", rotation.ErrConflict, prev.SerialNumber)
	}
	next.Version = prev.Version + 1
	m.records[next.SerialNumber] = next
	return next, nil
}

// Delete implements rotation.Store
func (m *Memory) Delete(ctx context.Context, serialNumber string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, serialNumber)
	return nil
}
