// Package tokenstore provides a Redis-backed keyed store for provisioning
// tokens with TTL and bidirectional token<->device lookup.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetpki/internal/errs"
)

const (
	tokenKeyPrefix  = "token:"
	deviceKeyPrefix = "device:"
)

// Entry is the value stored under a token key.
type Entry struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Stats summarizes the current size of the store.
type Stats struct {
	ActiveTokens int64 `json:"active_tokens"`
}

// Store is a Redis-backed provisioning token store. Two keys mirror every
// live token so both directions of lookup — validating a token, and
// preventing re-issuance for a device — ride on the backing store's native
// key expiry instead of a background sweep.
type Store struct {
	rdb *redis.Client
}

// New creates a token store backed by the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func tokenKey(token string) string  { return tokenKeyPrefix + token }
func deviceKey(device string) string { return deviceKeyPrefix + device }

// Set stores a token for a device with the given TTL. Both the token->entry
// and device->token keys are written with the same TTL so they expire
// together.
func (s *Store) Set(ctx context.Context, token, deviceID, userID string, ttl time.Duration) error {
	entry := entryJSON(deviceID, userID, time.Now().Add(ttl))

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, tokenKey(token), entry, ttl)
	pipe.Set(ctx, deviceKey(deviceID), token, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New(errs.Internal, "storing provisioning token").WithDetails(map[string]any{"cause": wrapUnavailable(err).Error()})
	}
	return nil
}

// GetDeviceByToken looks up the entry stored for a token. ok is false if the
// token is absent (expired, never issued, or already consumed).
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*Entry, bool, error) {
	val, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapUnavailable(err)
	}
	entry, err := parseEntry(val)
	if err != nil {
		return nil, false, nil
	}
	return entry, true, nil
}

// GetTokenByDevice returns the live token for a device, if any.
func (s *Store) GetTokenByDevice(ctx context.Context, deviceID string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, deviceKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapUnavailable(err)
	}
	return val, true, nil
}

// HasActiveToken reports whether a device currently has a live token.
func (s *Store) HasActiveToken(ctx context.Context, deviceID string) (bool, error) {
	_, ok, err := s.GetTokenByDevice(ctx, deviceID)
	return ok, err
}

// DeleteToken removes a token and, if it resolves to a stored entry, that
// entry's device->token key too. Idempotent.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	entry, ok, err := s.GetDeviceByToken(ctx, token)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, tokenKey(token))
	if ok {
		pipe.Del(ctx, deviceKey(entry.DeviceID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// DeleteTokenByDevice removes a device's live token, if any. Idempotent.
func (s *Store) DeleteTokenByDevice(ctx context.Context, deviceID string) error {
	token, ok, err := s.GetTokenByDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.DeleteToken(ctx, token)
}

// Stats reports the approximate number of currently live tokens.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	n, err := s.rdb.Keys(ctx, tokenKeyPrefix+"*").Result()
	if err != nil {
		return Stats{}, wrapUnavailable(err)
	}
	return Stats{ActiveTokens: int64(len(n))}, nil
}

func wrapUnavailable(err error) error {
	return errs.New(errs.DatabaseUnavailable, fmt.Sprintf("token store unavailable: %v", err))
}
