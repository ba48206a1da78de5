// Package directory provides read-only lookups against the external user and
// device directory. The core never writes to this store — it only confirms a
// user exists and a device belongs to that user.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetpki/internal/errs"
)

// User is the subset of directory user fields the core needs.
type User struct {
	ID    string
	Email string
}

// Client is the read-only directory contract C9 consults.
type Client interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	DeviceAssociated(ctx context.Context, deviceID, userID string) (bool, error)
}

// PostgresClient implements Client against the directory's Postgres tables.
type PostgresClient struct {
	pool *pgxpool.Pool
}

// New creates a directory client backed by the given connection pool.
func New(pool *pgxpool.Pool) *PostgresClient {
	return &PostgresClient{pool: pool}
}

// GetUser returns the user record for userID, UserNotFound if it does not
// exist, or DatabaseUnavailable on a connection failure.
func (c *PostgresClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := c.pool.QueryRow(ctx,
		`SELECT id, email FROM directory_users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Email)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, errs.New(errs.UserNotFound, "user not found")
	case err != nil:
		return nil, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("looking up user: %v", err))
	}
	return &u, nil
}

// DeviceAssociated reports whether deviceID is registered to userID.
func (c *PostgresClient) DeviceAssociated(ctx context.Context, deviceID, userID string) (bool, error) {
	var ok bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM directory_devices WHERE device_id = $1 AND user_id = $2)`,
		deviceID, userID,
	).Scan(&ok)
	if err != nil {
		return false, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("checking device association: %v", err))
	}
	return ok, nil
}
