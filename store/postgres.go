// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/certrotation/core/csql"
	"github.com/relabs-tech/certrotation/rotation"
)

// TableName is the name of the device table
const TableName = "_rotation_device_"

// Postgres is a rotation.Store in a postgres database. The certificate references are
// kept as json documents.
type Postgres struct {
	db    *csql.DB
	table string
}

// NewPostgres creates the device table if it does not exist
func NewPostgres(db *csql.DB) *Postgres {
	table := db.Table(TableName)
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + table + `
(serial_number varchar NOT NULL,
state varchar NOT NULL,
vendor_cert_id json NOT NULL,
manufacturer_cert_id json NOT NULL,
manufacturer_ca_cert_id varchar NOT NULL,
version bigint NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(serial_number)
);`)
	if err != nil {
		panic(err)
	}
	return &Postgres{db: db, table: table}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", rotation.ErrStoreUnavailable, err)
}

type columns struct {
	state, vendor, manufacturer string
}

func encode(rec rotation.Record) (columns, error) {
	state, err := rec.State.MarshalText()
	if err != nil {
		return columns{}, err
	}
	vendor, err := json.Marshal(rec.VendorCertID)
	if err != nil {
		return columns{}, err
	}
	manufacturer, err := json.Marshal(rec.ManufacturerCertID)
	if err != nil {
		return columns{}, err
	}
	return columns{state: string(state), vendor: string(vendor), manufacturer: string(manufacturer)}, nil
}

// Get implements rotation.Store
func (p *Postgres) Get(ctx context.Context, serialNumber string) (rotation.Record, error) {
	rec := rotation.Record{SerialNumber: serialNumber}
	var (
		state                string
		vendor, manufacturer json.RawMessage
	)
	err := p.db.QueryRowContext(ctx, `SELECT state, vendor_cert_id, manufacturer_cert_id, manufacturer_ca_cert_id, version, timestamp
FROM `+p.table+` WHERE serial_number=$1;`, serialNumber).
		Scan(&state, &vendor, &manufacturer, &rec.ManufacturerCACertID, &rec.Version, &rec.UpdatedAt)
	if err == csql.ErrNoRows {
		return rec, fmt.Errorf("%w: %s", rotation.ErrNotFound, serialNumber)
	}
	if err != nil {
		return rec, unavailable(err)
	}
	if err := rec.State.UnmarshalText([]byte(state)); err != nil {
		return rec, unavailable(err)
	}
	if err := json.Unmarshal(vendor, &rec.VendorCertID); err != nil {
		return rec, unavailable(err)
	}
	if err := json.Unmarshal(manufacturer, &rec.ManufacturerCertID); err != nil {
		return rec, unavailable(err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Put implements rotation.Store
func (p *Postgres) Put(ctx context.Context, rec rotation.Record) (rotation.Record, error) {
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	c, err := encode(rec)
	if err != nil {
		return rec, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	err = p.db.QueryRowContext(ctx, `INSERT INTO `+p.table+`
(serial_number, state, vendor_cert_id, manufacturer_cert_id, manufacturer_ca_cert_id, version, timestamp)
VALUES($1,$2,$3,$4,$5,1,$6)
ON CONFLICT (serial_number) DO UPDATE SET state=$2, vendor_cert_id=$3, manufacturer_cert_id=$4,
manufacturer_ca_cert_id=$5, version=`+p.table+`.version+1, timestamp=$6
RETURNING version;`,
		rec.SerialNumber, c.state, c.vendor, c.manufacturer, rec.ManufacturerCACertID, rec.UpdatedAt).Scan(&rec.Version)
	if err != nil {
		return rec, unavailable(err)
	}
	return rec, nil
}

// Swap implements rotation.Store
func (p *Postgres) Swap(ctx context.Context, prev, next rotation.Record) (rotation.Record, error) {
	if prev.SerialNumber != next.SerialNumber {
		return next, fmt.Errorf("cannot swap record %s with %s", prev.SerialNumber, next.SerialNumber)
	}
	if err := next.Validate(); err != nil {
		return next, err
	}
	c, err := encode(next)
	if err != nil {
		return next, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	var query string
	if prev.Version == 0 {
		query = `INSERT INTO ` + p.table + `
(serial_number, state, vendor_cert_id, manufacturer_cert_id, manufacturer_ca_cert_id, version, timestamp)
VALUES($1,$2,$3,$4,$5,$6+1,$7)
ON CONFLICT (serial_number) DO NOTHING;`
	} else {
		query = `UPDATE ` + p.table + `
SET state=$2, vendor_cert_id=$3, manufacturer_cert_id=$4, manufacturer_ca_cert_id=$5, version=$6+1, timestamp=$7
WHERE serial_number=$1 AND version=$6;`
	}
	res, err := p.db.ExecContext(ctx, query,
		next.SerialNumber, c.state, c.vendor, c.manufacturer, next.ManufacturerCACertID, prev.Version, next.UpdatedAt)
	if err != nil {
		return next, unavailable(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return next, unavailable(err)
	}
	if count == 0 {
		return next, fmt.Errorf("%w: %s", rotation.ErrConflict, next.SerialNumber)
	}
	next.Version = prev.Version + 1
	return next, nil
}

// Delete implements rotation.Store
func (p *Postgres) Delete(ctx context.Context, serialNumber string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM `+p.table+` WHERE serial_number=$1;`, serialNumber)
	if err != nil {
		return unavailable(err)
	}
	return nil
}
