// Package authtoken verifies the externally-issued bearer session token
// presented at onboarding. The token is signed elsewhere; this package only
// consumes it.
package authtoken

import (
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wisbric/fleetpki/internal/errs"
)

// Claims holds the user identity extracted from a verified auth token. The
// subject field is carried under any of several historical claim names.
type Claims struct {
	UserID string
	Email  string
}

// rawClaims mirrors the handful of subject-claim spellings the external
// directory's token issuer has used over time.
type rawClaims struct {
	Sub     string `json:"sub"`
	UserID  string `json:"userId"`
	ID      string `json:"id"`
	UserID2 string `json:"user_id"`
	Email   string `json:"email"`
}

func (r rawClaims) subject() string {
	switch {
	case r.Sub != "":
		return r.Sub
	case r.UserID != "":
		return r.UserID
	case r.ID != "":
		return r.ID
	default:
		return r.UserID2
	}
}

// Verifier verifies HMAC-SHA256 bearer auth tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// New creates a Verifier using the given shared secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning the embedded user
// identity. An empty token maps to AuthTokenMissing; any other failure maps
// to AuthTokenInvalid.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errs.New(errs.AuthTokenMissing, "missing bearer auth token")
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errs.New(errs.AuthTokenInvalid, "auth token is malformed")
	}

	var registered jwt.Claims
	var rawMsg json.RawMessage
	if err := tok.Claims(v.secret, &registered, &rawMsg); err != nil {
		return nil, errs.New(errs.AuthTokenInvalid, "auth token signature is invalid")
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Time: time.Now(),
	}, 5*time.Second); err != nil {
		return nil, errs.New(errs.AuthTokenInvalid, "auth token is expired")
	}

	var custom rawClaims
	if err := json.Unmarshal(rawMsg, &custom); err != nil {
		return nil, errs.New(errs.AuthTokenInvalid, "auth token claims are malformed")
	}

	subject := custom.subject()
	if subject == "" && registered.Subject != "" {
		subject = registered.Subject
	}
	if subject == "" {
		return nil, errs.New(errs.AuthTokenInvalid, "auth token has no subject claim")
	}

	return &Claims{UserID: subject, Email: custom.Email}, nil
}
