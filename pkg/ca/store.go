package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CertStatus is the lifecycle state of a device certificate record.
type CertStatus string

const (
	StatusActive  CertStatus = "active"
	StatusRevoked CertStatus = "revoked"
	StatusExpired CertStatus = "expired"
)

// CertRecord is a persisted device certificate. PrivateKey is always empty:
// devices hold their own private key, so the server never stores it.
type CertRecord struct {
	ID            uuid.UUID
	DeviceID      string
	UserID        string
	OrderID       *string
	BatchID       *string
	Certificate   string
	PrivateKey    string
	CACertificate string
	CN            string
	Fingerprint   string
	Status        CertStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	LastUsed      *time.Time
}

const certColumns = `id, device_id, user_id, order_id, batch_id, certificate, ca_certificate, cn, fingerprint, status, created_at, expires_at, revoked_at, last_used`

// Store persists device certificate records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a certificate record Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanCertRow(row pgx.Row) (CertRecord, error) {
	var c CertRecord
	err := row.Scan(
		&c.ID, &c.DeviceID, &c.UserID, &c.OrderID, &c.BatchID, &c.Certificate, &c.CACertificate,
		&c.CN, &c.Fingerprint, &c.Status, &c.CreatedAt, &c.ExpiresAt, &c.RevokedAt, &c.LastUsed,
	)
	c.PrivateKey = ""
	return c, err
}

// Insert persists a newly issued certificate record.
func (s *Store) Insert(ctx context.Context, c CertRecord) (CertRecord, error) {
	query := `INSERT INTO device_certificates (` + certColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + certColumns
	row := s.pool.QueryRow(ctx, query,
		c.ID, c.DeviceID, c.UserID, c.OrderID, c.BatchID, c.Certificate, c.CACertificate,
		c.CN, c.Fingerprint, c.Status, c.CreatedAt, c.ExpiresAt, c.RevokedAt, c.LastUsed,
	)
	return scanCertRow(row)
}

// ReplaceActive atomically overwrites the existing active row for a device
// with new certificate material (used when the CSR pipeline's replace flag
// is set).
func (s *Store) ReplaceActive(ctx context.Context, deviceID string, c CertRecord) (CertRecord, error) {
	query := `UPDATE device_certificates SET
			certificate = $2, ca_certificate = $3, cn = $4, fingerprint = $5,
			status = $6, created_at = $7, expires_at = $8, revoked_at = NULL, order_id = $9, batch_id = $10
		WHERE device_id = $1 AND status = 'active'
		RETURNING ` + certColumns
	row := s.pool.QueryRow(ctx, query,
		deviceID, c.Certificate, c.CACertificate, c.CN, c.Fingerprint,
		c.Status, c.CreatedAt, c.ExpiresAt, c.OrderID, c.BatchID,
	)
	return scanCertRow(row)
}

// FindActiveByDevice returns the active certificate row for a device, if any.
func (s *Store) FindActiveByDevice(ctx context.Context, deviceID string) (*CertRecord, error) {
	query := `SELECT ` + certColumns + ` FROM device_certificates WHERE device_id = $1 AND status = 'active' ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, query, deviceID)
	rec, err := scanCertRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active certificate: %w", err)
	}
	return &rec, nil
}

// GetByID returns a certificate record by its primary key.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*CertRecord, error) {
	query := `SELECT ` + certColumns + ` FROM device_certificates WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	rec, err := scanCertRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting certificate: %w", err)
	}
	return &rec, nil
}

// GetByDeviceID returns the most recent certificate record for a device,
// regardless of status.
func (s *Store) GetByDeviceID(ctx context.Context, deviceID string) (*CertRecord, error) {
	query := `SELECT ` + certColumns + ` FROM device_certificates WHERE device_id = $1 ORDER BY created_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, query, deviceID)
	rec, err := scanCertRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting certificate by device: %w", err)
	}
	return &rec, nil
}

// MarkExpired transitions a row to status=expired. Called from the lookup
// path rather than any implicit ORM hook.
func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE device_certificates SET status = 'expired' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("marking certificate expired: %w", err)
	}
	return nil
}

// Revoke sets status=revoked and revoked_at=now for the row identified by
// either its primary key or its device ID.
func (s *Store) Revoke(ctx context.Context, deviceIDOrCertID string) (*CertRecord, error) {
	var row pgx.Row
	if id, err := uuid.Parse(deviceIDOrCertID); err == nil {
		row = s.pool.QueryRow(ctx, `
			UPDATE device_certificates SET status = 'revoked', revoked_at = now()
			WHERE id = $1 AND status <> 'revoked'
			RETURNING `+certColumns, id)
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE device_certificates SET status = 'revoked', revoked_at = now()
			WHERE device_id = $1 AND status <> 'revoked'
			RETURNING `+certColumns, deviceIDOrCertID)
	}

	rec, err := scanCertRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("revoking certificate: %w", err)
	}
	return &rec, nil
}
