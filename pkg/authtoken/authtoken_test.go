package authtoken

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const testSecret = "a-very-secret-value-used-only-for-tests"

func sign(t *testing.T, claims map[string]any, exp time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)}, nil)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}
	registered := jwt.Claims{
		IssuedAt: jwt.NewNumericDate(time.Now()),
		Expiry:   jwt.NewNumericDate(exp),
	}
	raw, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return raw
}

func TestVerifyAcceptsUserIdClaim(t *testing.T) {
	v := New(testSecret)
	raw := sign(t, map[string]any{"userId": "0123456789abcdef01234567"}, time.Now().Add(time.Hour))

	claims, err := v.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "0123456789abcdef01234567" {
		t.Errorf("UserID = %q", claims.UserID)
	}
}

func TestVerifySubVariants(t *testing.T) {
	v := New(testSecret)
	for _, key := range []string{"sub", "id", "user_id"} {
		raw := sign(t, map[string]any{key: "u-1"}, time.Now().Add(time.Hour))
		claims, err := v.Verify(raw)
		if err != nil {
			t.Fatalf("Verify() with %s error = %v", key, err)
		}
		if claims.UserID != "u-1" {
			t.Errorf("claim %s: UserID = %q, want u-1", key, claims.UserID)
		}
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := New(testSecret)
	raw := sign(t, map[string]any{"sub": "u-1"}, time.Now().Add(-time.Hour))

	if _, err := v.Verify(raw); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := New(testSecret)
	if _, err := v.Verify(""); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	raw := sign(t, map[string]any{"sub": "u-1"}, time.Now().Add(time.Hour))
	v := New("a-completely-different-secret-value")
	if _, err := v.Verify(raw); err == nil {
		t.Error("expected error for wrong secret")
	}
}
