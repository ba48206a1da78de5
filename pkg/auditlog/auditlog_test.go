package auditlog

import (
	"context"
	"log/slog"
	"io"
	"testing"

	"github.com/wisbric/fleetpki/pkg/timeseries"
)

// memStore is a minimal in-memory timeseries.Store fake for chain tests.
type memStore struct {
	audit []timeseries.AuditRecord
}

func (m *memStore) AppendAudit(_ context.Context, rec timeseries.AuditRecord) error {
	m.audit = append(m.audit, rec)
	return nil
}
func (m *memStore) LatestAudit(_ context.Context) (*timeseries.AuditRecord, error) {
	if len(m.audit) == 0 {
		return nil, nil
	}
	last := m.audit[len(m.audit)-1]
	return &last, nil
}
func (m *memStore) ListAudit(_ context.Context) ([]timeseries.AuditRecord, error) {
	return m.audit, nil
}
func (m *memStore) AppendTransparency(context.Context, timeseries.TransparencyRecord) error {
	return nil
}
func (m *memStore) ListTransparency(context.Context) ([]timeseries.TransparencyRecord, error) {
	return nil, nil
}
func (m *memStore) AppendRateLimitEvent(context.Context, timeseries.RateLimitEvent) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitializeEmptyStoreSeedsGenesis(t *testing.T) {
	store := &memStore{}
	log := New(store, testLogger(), "")

	if err := log.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if log.head.sequence != 0 || log.head.hash != genesisHash {
		t.Errorf("head = %+v, want (0, GENESIS)", log.head)
	}
}

func TestLogEventChainsSequentially(t *testing.T) {
	store := &memStore{}
	log := New(store, testLogger(), "")
	ctx := context.Background()

	first, err := log.LogEvent(ctx, Data{Event: EventCertificateIssued})
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if first.Sequence != 1 || first.PreviousHash != genesisHash {
		t.Errorf("first entry = %+v", first)
	}

	second, err := log.LogEvent(ctx, Data{Event: EventCertificateRevoked})
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if second.Sequence != 2 || second.PreviousHash != first.Hash {
		t.Errorf("second.PreviousHash = %q, want %q", second.PreviousHash, first.Hash)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	store := &memStore{}
	log := New(store, testLogger(), "")
	ctx := context.Background()

	if _, err := log.LogEvent(ctx, Data{Event: EventCertificateIssued}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if _, err := log.LogEvent(ctx, Data{Event: EventCertificateRevoked}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	// Tamper with the second entry's link back to the first.
	store.audit[1].PreviousHash = "corrupted"

	result, err := log.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.FirstBrokenSequence != 2 {
		t.Errorf("FirstBrokenSequence = %d, want 2", result.FirstBrokenSequence)
	}

	found := false
	for _, rec := range store.audit {
		if rec.Event == string(EventAuditChainTampered) {
			found = true
		}
	}
	if !found {
		t.Error("expected AUDIT_CHAIN_TAMPERED event to be appended")
	}
}

func TestVerifyChainDetectsContentTamper(t *testing.T) {
	store := &memStore{}
	log := New(store, testLogger(), "")
	ctx := context.Background()

	if _, err := log.LogEvent(ctx, Data{Event: EventCertificateIssued}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}
	if _, err := log.LogEvent(ctx, Data{Event: EventCertificateRevoked}); err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	// Tamper with the first entry's details in place, leaving its hash and
	// previousHash untouched — the realistic tamper path against a mutable
	// store.
	store.audit[0].Details = map[string]any{"injected": "value"}

	result, err := log.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if result.Valid {
		t.Fatal("expected content-tampered chain to be invalid")
	}
	if result.FirstBrokenSequence != 1 {
		t.Errorf("FirstBrokenSequence = %d, want 1", result.FirstBrokenSequence)
	}
}

func TestVerifyChainValidForUntamperedLog(t *testing.T) {
	store := &memStore{}
	log := New(store, testLogger(), "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := log.LogEvent(ctx, Data{Event: EventCertificateIssued}); err != nil {
			t.Fatalf("LogEvent() error = %v", err)
		}
	}

	result, err := log.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, firstBroken=%d", result.FirstBrokenSequence)
	}
	if result.Checked != 3 {
		t.Errorf("Checked = %d, want 3", result.Checked)
	}
}
