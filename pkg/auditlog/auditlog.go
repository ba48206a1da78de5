// Package auditlog implements an append-only, hash-chained event journal.
// Every entry's hash commits to the previous entry's hash, so any mutation
// of stored history is detectable by replaying the chain.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wisbric/fleetpki/internal/telemetry"
	"github.com/wisbric/fleetpki/pkg/timeseries"
)

const genesisHash = "GENESIS"

// Event names the audit log append spec-named events.
type Event string

const (
	EventCertificateIssued      Event = "CERTIFICATE_ISSUED"
	EventCertificateRevoked     Event = "CERTIFICATE_REVOKED"
	EventCertificateExpired     Event = "CERTIFICATE_EXPIRED"
	EventCertificateGraceAccept Event = "CERTIFICATE_GRACE_ACCEPTED"
	EventDeviceAuthFailed       Event = "DEVICE_AUTH_FAILED"
	EventAuditChainTampered     Event = "AUDIT_CHAIN_TAMPERED"
)

// Entry is a single link in the audit chain.
type Entry struct {
	Sequence     int64
	Timestamp    time.Time
	Event        Event
	DeviceID     *string
	UserID       *string
	OrderID      *string
	BatchID      *string
	Serial       *string
	Fingerprint  *string
	Details      map[string]any
	PreviousHash string
	Hash         string
}

// Data is the caller-supplied content of a new entry; Log assigns the
// sequence, previous hash, and hash.
type Data struct {
	Event       Event
	DeviceID    *string
	UserID      *string
	OrderID     *string
	BatchID     *string
	Serial      *string
	Fingerprint *string
	Details     map[string]any
}

// VerifyResult is the outcome of walking the whole chain.
type VerifyResult struct {
	Valid              bool
	Checked            int
	FirstBrokenSequence int64
}

type head struct {
	sequence int64
	hash     string
}

// Log is the hash-chained audit journal. The chain head is held in memory
// and guarded by a mutex so appends from concurrent requests serialize.
type Log struct {
	store        timeseries.Store
	logger       *slog.Logger
	fallbackPath string

	mu   sync.Mutex
	head head
}

// New creates an audit Log. Call Initialize before the first LogEvent.
func New(store timeseries.Store, logger *slog.Logger, fallbackPath string) *Log {
	return &Log{
		store:        store,
		logger:       logger,
		fallbackPath: fallbackPath,
		head:         head{sequence: 0, hash: genesisHash},
	}
}

// Initialize loads the latest persisted entry and caches it as the chain
// head. An empty store is not an error — it simply seeds the chain at
// (0, GENESIS).
func (l *Log) Initialize(ctx context.Context) error {
	latest, err := l.store.LatestAudit(ctx)
	if err != nil {
		return fmt.Errorf("loading audit chain head: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if latest == nil {
		l.head = head{sequence: 0, hash: genesisHash}
		return nil
	}
	l.head = head{sequence: latest.Sequence, hash: latest.Hash}
	telemetry.AuditChainLength.Set(float64(latest.Sequence))
	return nil
}

// LogEvent appends a new entry to the chain and returns it.
func (l *Log) LogEvent(ctx context.Context, data Data) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:     l.head.sequence + 1,
		Timestamp:    time.Now().UTC(),
		Event:        data.Event,
		DeviceID:     data.DeviceID,
		UserID:       data.UserID,
		OrderID:      data.OrderID,
		BatchID:      data.BatchID,
		Serial:       data.Serial,
		Fingerprint:  data.Fingerprint,
		Details:      data.Details,
		PreviousHash: l.head.hash,
	}
	entry.Hash = hashEntry(entry)

	rec := timeseries.AuditRecord{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		Event:        string(entry.Event),
		DeviceID:     entry.DeviceID,
		UserID:       entry.UserID,
		OrderID:      entry.OrderID,
		BatchID:      entry.BatchID,
		Serial:       entry.Serial,
		Fingerprint:  entry.Fingerprint,
		Details:      entry.Details,
		PreviousHash: entry.PreviousHash,
		Hash:         entry.Hash,
	}

	if err := l.store.AppendAudit(ctx, rec); err != nil {
		l.logger.Warn("audit store write failed, writing to fallback file", "error", err, "sequence", entry.Sequence)
		if ferr := l.appendFallback(entry); ferr != nil {
			return nil, fmt.Errorf("primary store failed (%v) and fallback write failed: %w", err, ferr)
		}
	}

	// The head advances regardless of which sink accepted the entry, so
	// subsequent entries chain correctly even during an outage.
	l.head = head{sequence: entry.Sequence, hash: entry.Hash}
	telemetry.AuditChainLength.Set(float64(entry.Sequence))

	return &entry, nil
}

// VerifyChain replays every persisted entry in sequence order, checking that
// each one's previousHash matches its predecessor's hash AND that its stored
// hash still matches the hash recomputed from its own current content — the
// latter is what catches a record whose details were altered in place
// without touching its hash or previousHash. A detected break itself
// produces an AUDIT_CHAIN_TAMPERED event.
func (l *Log) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	records, err := l.store.ListAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit entries: %w", err)
	}

	result := &VerifyResult{Valid: true}
	prevHash := genesisHash
	var prevSeq int64

	for _, rec := range records {
		result.Checked++
		recomputed := hashEntry(entryFromRecord(rec))
		if rec.PreviousHash != prevHash || rec.Hash != recomputed || (prevSeq != 0 && rec.Sequence != prevSeq+1) {
			result.Valid = false
			result.FirstBrokenSequence = rec.Sequence
			break
		}
		prevHash = rec.Hash
		prevSeq = rec.Sequence
	}

	if !result.Valid {
		telemetry.AuditChainTamperedTotal.Inc()
		brokenSeq := result.FirstBrokenSequence
		if _, err := l.LogEvent(ctx, Data{
			Event:   EventAuditChainTampered,
			Details: map[string]any{"first_broken_sequence": brokenSeq},
		}); err != nil {
			l.logger.Error("failed to record tamper event", "error", err)
		}
	}

	return result, nil
}

// entryFromRecord reconstructs the hashable Entry fields from a stored
// record, so a record pulled back from the store can be re-hashed and
// compared against its own stored Hash.
func entryFromRecord(rec timeseries.AuditRecord) Entry {
	return Entry{
		Sequence:     rec.Sequence,
		Timestamp:    rec.Timestamp,
		Event:        Event(rec.Event),
		DeviceID:     rec.DeviceID,
		UserID:       rec.UserID,
		OrderID:      rec.OrderID,
		BatchID:      rec.BatchID,
		Serial:       rec.Serial,
		Fingerprint:  rec.Fingerprint,
		Details:      rec.Details,
		PreviousHash: rec.PreviousHash,
	}
}

func (l *Log) appendFallback(entry Entry) error {
	if l.fallbackPath == "" {
		return fmt.Errorf("no fallback path configured")
	}
	f, err := os.OpenFile(l.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening fallback file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling fallback entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing fallback entry: %w", err)
	}
	return nil
}

// hashEntry computes SHA256 over the canonical-JSON encoding of the fields
// that participate in the chain (everything but the entry's own hash).
func hashEntry(e Entry) string {
	canon := canonicalPayload(e)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalPayload renders the hashable fields as deterministic JSON.
// encoding/json already emits object keys in sorted order for map[string]any,
// which gives us the canonical form spec.md §4.2 calls for without any
// hand-rolled serializer.
func canonicalPayload(e Entry) []byte {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}

	obj := map[string]any{
		"batch_id":     e.BatchID,
		"details":      details,
		"device_id":    e.DeviceID,
		"event":        e.Event,
		"fingerprint":  e.Fingerprint,
		"order_id":     e.OrderID,
		"previousHash": e.PreviousHash,
		"serial":       e.Serial,
		"timestamp":    e.Timestamp.Format(time.RFC3339Nano),
		"user_id":      e.UserID,
	}

	buf, _ := json.Marshal(obj)
	return buf
}
