package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/fleetpki/internal/errs"
)

func TestSignAndParseRoundTrip(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", 5*time.Minute)

	signed, err := svc.sign("device-1", "user-1")
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}

	claims, err := svc.parseAndVerify(signed)
	if err != nil {
		t.Fatalf("parseAndVerify() error = %v", err)
	}
	if claims.DeviceID != "device-1" || claims.UserID != "user-1" || claims.Type != tokenType {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseAndVerifyRejectsWrongSecret(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", 5*time.Minute)
	signed, _ := svc.sign("device-1", "user-1")

	other := NewTokenService(nil, "other-secret", 5*time.Minute)
	if _, err := other.parseAndVerify(signed); err == nil {
		t.Fatal("expected signature verification to fail with wrong secret")
	}
}

func TestRemainingTTLReportsExpired(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", -1*time.Second)
	signed, _ := svc.sign("device-1", "user-1")

	_, valid := svc.remainingTTL(signed)
	if valid {
		t.Error("expected remainingTTL() to report the token as not valid")
	}
}

func TestRemainingTTLReportsLiveToken(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", 5*time.Minute)
	signed, _ := svc.sign("device-1", "user-1")

	remaining, valid := svc.remainingTTL(signed)
	if !valid {
		t.Fatal("expected remainingTTL() to report the token as valid")
	}
	if remaining <= 0 || remaining > 5*time.Minute {
		t.Errorf("remaining = %v, want within (0, 5m]", remaining)
	}
}

func TestValidateTokenRejectsEmpty(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", 5*time.Minute)
	_, err := svc.ValidateToken(context.Background(), "")
	if e := errs.As(err); e == nil || e.Kind != errs.TokenMissing {
		t.Errorf("error = %v, want TokenMissing", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", -1*time.Second)
	signed, _ := svc.sign("device-1", "user-1")

	_, err := svc.ValidateToken(context.Background(), signed)
	if e := errs.As(err); e == nil || e.Kind != errs.TokenExpired {
		t.Errorf("error = %v, want TokenExpired", err)
	}
}

func TestValidateTokenRejectsMalformed(t *testing.T) {
	svc := NewTokenService(nil, "test-secret", 5*time.Minute)
	_, err := svc.ValidateToken(context.Background(), "not-a-jwt")
	if e := errs.As(err); e == nil || e.Kind != errs.TokenInvalidFormat {
		t.Errorf("error = %v, want TokenInvalidFormat", err)
	}
}
