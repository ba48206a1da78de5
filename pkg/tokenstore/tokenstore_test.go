package tokenstore

import (
	"testing"
	"time"
)

func TestTokenKey(t *testing.T) {
	got := tokenKey("abc123")
	want := "token:abc123"
	if got != want {
		t.Errorf("tokenKey() = %q, want %q", got, want)
	}
}

func TestDeviceKey(t *testing.T) {
	got := deviceKey("d-1")
	want := "device:d-1"
	if got != want {
		t.Errorf("deviceKey() = %q, want %q", got, want)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	raw := entryJSON("d-1", "u-1", exp)

	entry, err := parseEntry(raw)
	if err != nil {
		t.Fatalf("parseEntry() error = %v", err)
	}
	if entry.DeviceID != "d-1" || entry.UserID != "u-1" {
		t.Errorf("entry = %+v, want device=d-1 user=u-1", entry)
	}
	if !entry.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, exp)
	}
}

func TestParseEntryInvalidJSON(t *testing.T) {
	if _, err := parseEntry("not json"); err == nil {
		t.Error("expected error parsing invalid JSON")
	}
}
