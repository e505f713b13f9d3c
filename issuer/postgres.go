// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/certrotation/core/csql"
)

// PostgresRegistry is an Inventory in a postgres database. It creates its tables
// if they do not exist.
type PostgresRegistry struct {
	db *csql.DB
}

// NewPostgresRegistry creates a registry in the schema of db
func NewPostgresRegistry(db *csql.DB) *PostgresRegistry {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table("_ca_certificate_") + `
(id varchar NOT NULL,
pem text NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(id)
);
CREATE table IF NOT EXISTS ` + db.Table("_certificate_") + `
(id varchar NOT NULL,
pem text NOT NULL,
authority_id varchar NOT NULL REFERENCES ` + db.Table("_ca_certificate_") + `(id),
status varchar NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(id)
);
CREATE table IF NOT EXISTS ` + db.Table("_certificate_thing_") + `
(certificate_id varchar NOT NULL REFERENCES ` + db.Table("_certificate_") + `(id) ON DELETE RESTRICT,
thing varchar NOT NULL,
PRIMARY KEY(certificate_id, thing)
);`)
	if err != nil {
		panic(err)
	}
	return &PostgresRegistry{db: db}
}

func serviceError(err error) error {
	return fmt.Errorf("%w: %v", ErrIssuerService, err)
}

// AddAuthority implements Inventory
func (r *PostgresRegistry) AddAuthority(ctx context.Context, authorityPEM string) (string, error) {
	cert, err := ParseCertificatePEM(authorityPEM)
	if err != nil {
		return "", err
	}
	if !cert.IsCA {
		return "", fmt.Errorf("certificate %s is not a CA certificate", cert.Subject)
	}
	id := CertificateID(cert.Raw)
	_, err = r.db.ExecContext(ctx, `INSERT INTO `+r.db.Table("_ca_certificate_")+`(id,pem,timestamp)
VALUES($1,$2,$3) ON CONFLICT (id) DO NOTHING;`, id, authorityPEM, time.Now().UTC())
	if err != nil {
		return "", serviceError(err)
	}
	return id, nil
}

// AuthorityPEM implements Authorities
func (r *PostgresRegistry) AuthorityPEM(ctx context.Context, authorityID string) (string, error) {
	var authorityPEM string
	err := r.db.QueryRowContext(ctx, `SELECT pem FROM `+r.db.Table("_ca_certificate_")+` WHERE id=$1;`,
		authorityID).Scan(&authorityPEM)
	if err == csql.ErrNoRows {
		return "", fmt.Errorf("%w: authority %s", ErrNotFound, authorityID)
	}
	if err != nil {
		return "", serviceError(err)
	}
	return authorityPEM, nil
}

// Register implements Registry
func (r *PostgresRegistry) Register(ctx context.Context, certPEM, authorityPEM string) (string, error) {
	cert, authorityID, err := verifyIssuedBy(certPEM, authorityPEM)
	if err != nil {
		return "", serviceError(err)
	}
	if _, err := r.AuthorityPEM(ctx, authorityID); err != nil {
		return "", fmt.Errorf("%w: authority %s is not registered: %v", ErrIssuerService, authorityID, err)
	}
	id := CertificateID(cert.Raw)
	_, err = r.db.ExecContext(ctx, `INSERT INTO `+r.db.Table("_certificate_")+`(id,pem,authority_id,status,timestamp)
VALUES($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING;`,
		id, certPEM, authorityID, string(StatusInactive), time.Now().UTC())
	if err != nil {
		return "", serviceError(err)
	}
	return id, nil
}

func (r *PostgresRegistry) setStatus(ctx context.Context, certID string, status CertificateStatus) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE `+r.db.Table("_certificate_")+` SET status=$2 WHERE id=$1;`,
		certID, string(status))
	if err != nil {
		return 0, serviceError(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, serviceError(err)
	}
	return count, nil
}

// Activate implements Registry
func (r *PostgresRegistry) Activate(ctx context.Context, certID string) error {
	count, err := r.setStatus(ctx, certID, StatusActive)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	return nil
}

// Deactivate implements Registry
func (r *PostgresRegistry) Deactivate(ctx context.Context, certID string) error {
	_, err := r.setStatus(ctx, certID, StatusInactive)
	return err
}

// Delete implements Registry. Only inactive certificates without things can be deleted.
func (r *PostgresRegistry) Delete(ctx context.Context, certID string) error {
	c, err := r.Certificate(ctx, certID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if c.Status == StatusActive {
		return fmt.Errorf("%w: certificate %s is active", ErrIssuerService, certID)
	}
	if len(c.Things) > 0 {
		return fmt.Errorf("%w: certificate %s is still bound to %v", ErrIssuerService, certID, c.Things)
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM `+r.db.Table("_certificate_")+` WHERE id=$1;`, certID)
	if err != nil {
		return serviceError(err)
	}
	return nil
}

// FetchPEM implements Registry
func (r *PostgresRegistry) FetchPEM(ctx context.Context, certID string) (string, error) {
	var certPEM string
	err := r.db.QueryRowContext(ctx, `SELECT pem FROM `+r.db.Table("_certificate_")+` WHERE id=$1;`,
		certID).Scan(&certPEM)
	if err == csql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	if err != nil {
		return "", serviceError(err)
	}
	return certPEM, nil
}

// Certificate implements Inventory
func (r *PostgresRegistry) Certificate(ctx context.Context, certID string) (Certificate, error) {
	c := Certificate{ID: certID}
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT pem, authority_id, status, timestamp FROM `+r.db.Table("_certificate_")+
		` WHERE id=$1;`, certID).Scan(&c.PEM, &c.AuthorityID, &status, &c.CreatedAt)
	if err == csql.ErrNoRows {
		return c, fmt.Errorf("%w: %s", ErrNotFound, certID)
	}
	if err != nil {
		return c, serviceError(err)
	}
	c.Status = CertificateStatus(status)

	rows, err := r.db.QueryContext(ctx, `SELECT thing FROM `+r.db.Table("_certificate_thing_")+
		` WHERE certificate_id=$1 ORDER BY thing;`, certID)
	if err != nil {
		return c, serviceError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var thing string
		if err := rows.Scan(&thing); err != nil {
			return c, serviceError(err)
		}
		c.Things = append(c.Things, thing)
	}
	if err := rows.Err(); err != nil {
		return c, serviceError(err)
	}
	return c, nil
}

// Bind implements Binder
func (r *PostgresRegistry) Bind(ctx context.Context, serialNumber, certID string) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO `+r.db.Table("_certificate_thing_")+`(certificate_id,thing)
SELECT id, $2 FROM `+r.db.Table("_certificate_")+` WHERE id=$1
ON CONFLICT (certificate_id, thing) DO NOTHING;`, certID, serialNumber)
	if err != nil {
		return serviceError(err)
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		if _, err := r.FetchPEM(ctx, certID); err != nil {
			return err
		}
	}
	return nil
}

// Unbind implements Binder
func (r *PostgresRegistry) Unbind(ctx context.Context, serialNumber, certID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM `+r.db.Table("_certificate_thing_")+
		` WHERE certificate_id=$1 AND thing=$2;`, certID, serialNumber)
	if err != nil {
		return serviceError(err)
	}
	return nil
}
