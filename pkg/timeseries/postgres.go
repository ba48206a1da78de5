package timeseries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the time-series measurements as append-only tables
// in Postgres. It is the store wired into the running application.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshaling audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pki_audit
			(sequence, ts, event, device_id, user_id, order_id, batch_id, serial_number, cert_fingerprint, details, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.Sequence, rec.Timestamp, rec.Event, rec.DeviceID, rec.UserID, rec.OrderID, rec.BatchID,
		rec.Serial, rec.Fingerprint, details, rec.PreviousHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestAudit(ctx context.Context) (*AuditRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sequence, ts, event, device_id, user_id, order_id, batch_id, serial_number, cert_fingerprint, details, previous_hash, hash
		FROM pki_audit ORDER BY sequence DESC LIMIT 1`)

	rec, err := scanAuditRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest audit entry: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, ts, event, device_id, user_id, order_id, batch_id, serial_number, cert_fingerprint, details, previous_hash, hash
		FROM pki_audit ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAuditRow(row pgx.Row) (AuditRecord, error) {
	var rec AuditRecord
	var details []byte
	if err := row.Scan(
		&rec.Sequence, &rec.Timestamp, &rec.Event, &rec.DeviceID, &rec.UserID, &rec.OrderID, &rec.BatchID,
		&rec.Serial, &rec.Fingerprint, &details, &rec.PreviousHash, &rec.Hash,
	); err != nil {
		return AuditRecord{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return AuditRecord{}, fmt.Errorf("unmarshaling details: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) AppendTransparency(ctx context.Context, rec TransparencyRecord) error {
	proof, err := json.Marshal(rec.InclusionProof)
	if err != nil {
		return fmt.Errorf("marshaling inclusion proof: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ct_log
			(idx, leaf_hash, root_hash, inclusion_proof, cert_fingerprint, serial_number, cn, device_id, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Index, rec.LeafHash, rec.RootHash, proof, rec.CertFingerprint, rec.SerialNumber, rec.CN, rec.DeviceID, rec.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("appending transparency entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransparency(ctx context.Context) ([]TransparencyRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, leaf_hash, root_hash, inclusion_proof, cert_fingerprint, serial_number, cn, device_id, issued_at
		FROM ct_log ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing transparency entries: %w", err)
	}
	defer rows.Close()

	var out []TransparencyRecord
	for rows.Next() {
		var rec TransparencyRecord
		var proof []byte
		if err := rows.Scan(
			&rec.Index, &rec.LeafHash, &rec.RootHash, &proof, &rec.CertFingerprint,
			&rec.SerialNumber, &rec.CN, &rec.DeviceID, &rec.IssuedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning transparency row: %w", err)
		}
		if len(proof) > 0 {
			if err := json.Unmarshal(proof, &rec.InclusionProof); err != nil {
				return nil, fmt.Errorf("unmarshaling inclusion proof: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendRateLimitEvent(ctx context.Context, rec RateLimitEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_limit_events (ts, limit_type, endpoint, ip, count, limit_value, remaining)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Timestamp, rec.LimitType, rec.Endpoint, rec.IP, rec.Count, rec.Limit, rec.Remaining,
	)
	if err != nil {
		return fmt.Errorf("appending rate limit event: %w", err)
	}
	return nil
}
