// Package provisioning issues, validates, and revokes the short-lived
// provisioning tokens that bridge onboarding (stage 1) and CSR signing
// (stage 2), and orchestrates the two-stage protocol end-to-end.
package provisioning

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/fleetpki/internal/errs"
	"github.com/wisbric/fleetpki/pkg/tokenstore"
)

const tokenType = "provisioning"

type tokenClaims struct {
	jwt.Claims
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Type     string `json:"type"`
}

// TokenService mints, validates, and revokes provisioning tokens, keeping
// the signed JWT and its Token Store mirror consistent.
type TokenService struct {
	store  *tokenstore.Store
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService.
func NewTokenService(store *tokenstore.Store, secret string, ttl time.Duration) *TokenService {
	return &TokenService{store: store, secret: []byte(secret), ttl: ttl}
}

// ValidationResult is the outcome of validating a presented provisioning
// token.
type ValidationResult struct {
	Valid    bool
	DeviceID string
	UserID   string
}

// IssueToken mints a new provisioning token for (deviceID, userID). If a
// live token for the device already exists, its signed value and remaining
// TTL are returned instead of minting a new one — this lets the caller
// honor onboarding's idempotent-200 contract instead of erroring.
func (s *TokenService) IssueToken(ctx context.Context, deviceID, userID string) (string, time.Duration, error) {
	if existing, ok, err := s.store.GetTokenByDevice(ctx, deviceID); err != nil {
		return "", 0, err
	} else if ok {
		if remaining, valid := s.remainingTTL(existing); valid {
			return existing, remaining, nil
		}
		// Signed token is expired or malformed but the store entry survived;
		// fall through and mint a fresh one.
		_ = s.store.DeleteTokenByDevice(ctx, deviceID)
	}

	signed, err := s.sign(deviceID, userID)
	if err != nil {
		return "", 0, errs.New(errs.Internal, "signing provisioning token")
	}

	if err := s.store.Set(ctx, signed, deviceID, userID, s.ttl); err != nil {
		return "", 0, err
	}

	return signed, s.ttl, nil
}

func (s *TokenService) sign(deviceID, userID string) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: s.secret}, nil)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := tokenClaims{
		Claims: jwt.Claims{
			Subject:  deviceID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.ttl)),
		},
		DeviceID: deviceID,
		UserID:   userID,
		Type:     tokenType,
	}

	return jwt.Signed(signer).Claims(claims).Serialize()
}

func (s *TokenService) remainingTTL(signed string) (time.Duration, bool) {
	claims, err := s.parseAndVerify(signed)
	if err != nil {
		return 0, false
	}
	if claims.Claims.Expiry == nil {
		return 0, false
	}
	remaining := time.Until(claims.Claims.Expiry.Time())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (s *TokenService) parseAndVerify(raw string) (*tokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errs.New(errs.TokenInvalidFormat, "provisioning token is malformed")
	}

	var claims tokenClaims
	if err := tok.Claims(s.secret, &claims); err != nil {
		return nil, errs.New(errs.TokenInvalidSignature, "provisioning token signature is invalid")
	}

	return &claims, nil
}

// ValidateToken checks a presented provisioning token's signature,
// expiry, type, and presence in the Token Store, in that order. A JWT that
// verifies but has no matching store entry is treated as already consumed.
func (s *TokenService) ValidateToken(ctx context.Context, raw string) (*ValidationResult, error) {
	if raw == "" {
		return nil, errs.New(errs.TokenMissing, "provisioning token missing")
	}

	claims, err := s.parseAndVerify(raw)
	if err != nil {
		return nil, err
	}

	if err := claims.Claims.ValidateWithLeeway(jwt.Expected{Time: time.Now()}, 0); err != nil {
		return nil, errs.New(errs.TokenExpired, "provisioning token is expired")
	}

	if claims.Type != tokenType {
		return nil, errs.New(errs.TokenInvalidType, "token is not a provisioning token")
	}
	if claims.DeviceID == "" {
		return nil, errs.New(errs.TokenDeviceMismatch, "provisioning token is missing device_id")
	}
	if claims.UserID == "" {
		return nil, errs.New(errs.TokenUserMissing, "provisioning token is missing user_id")
	}

	entry, ok, err := s.store.GetDeviceByToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.TokenAlreadyUsed, "provisioning token has already been consumed or the server restarted")
	}
	if entry.DeviceID != claims.DeviceID || entry.UserID != claims.UserID {
		return nil, errs.New(errs.TokenDeviceMismatch, "provisioning token does not match its stored device/user")
	}

	return &ValidationResult{Valid: true, DeviceID: claims.DeviceID, UserID: claims.UserID}, nil
}

// RevokeToken idempotently deletes both the token->device and device->token
// keys for a provisioning token.
func (s *TokenService) RevokeToken(ctx context.Context, raw string) error {
	return s.store.DeleteToken(ctx, raw)
}
