// Package ca implements the fleet certificate authority: root key
// lifecycle, CSR signing, runtime certificate validation, grace-period
// aware lookups, and revocation.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetpki/internal/errs"
)

// oidExtKeyUsage and oidExtKeyUsageClientAuth let SignCSR mark the extended
// key usage extension critical (spec §4.5.2 step 6); the x509 package always
// marshals template.ExtKeyUsage as non-critical, so the extension has to be
// built by hand via template.ExtraExtensions instead.
var (
	oidExtKeyUsage           = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtKeyUsageClientAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
)

func criticalClientAuthEKU() (pkix.Extension, error) {
	der, err := asn1.Marshal([]asn1.ObjectIdentifier{oidExtKeyUsageClientAuth})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: der}, nil
}

// AuditSink is the narrow slice of the audit log's interface the CA needs,
// kept here rather than imported directly from pkg/auditlog so this package
// can be wired against any event sink at construction time.
type AuditSink interface {
	LogEvent(ctx context.Context, data AuditData) error
}

// AuditData mirrors auditlog.Data's shape without importing the package.
type AuditData struct {
	Event       string
	DeviceID    *string
	UserID      *string
	OrderID     *string
	BatchID     *string
	Serial      *string
	Fingerprint *string
	Details     map[string]any
}

// TransparencyAppender is the narrow slice of the transparency log the CA
// needs to append a newly issued certificate.
type TransparencyAppender interface {
	AddEntry(ctx context.Context, fingerprint, serial, cn, deviceID string, issuedAt time.Time) (TransparencyResult, error)
}

// TransparencyResult mirrors translog.AddResult's shape without importing
// the package.
type TransparencyResult struct {
	Index          int64
	LeafHash       string
	RootHash       string
	InclusionProof []ProofStep
}

// ProofStep mirrors translog.ProofStep's shape.
type ProofStep struct {
	Hash     string
	Position string
}

// Config governs certificate policy independent of the root CA's own
// lifecycle (§5.2 config surface).
type Config struct {
	CNPrefix            string
	CNFormat            CNFormat
	MinKeyBits           int
	CertValidityDays     int
	RenewalWindowDays    int
	GracePeriodDays      int
	RequireSAN           bool
}

// CA wires the root key material, certificate record store, and the audit
// and transparency sinks behind SignCSR's ten-step pipeline.
type CA struct {
	root   *RootCA
	store  *Store
	audit  AuditSink
	trans  TransparencyAppender
	cfg    Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a CA. audit and trans may be nil, in which case issuance
// skips the corresponding side effect (used in tests).
func New(root *RootCA, store *Store, audit AuditSink, trans TransparencyAppender, cfg Config) *CA {
	if cfg.MinKeyBits == 0 {
		cfg.MinKeyBits = 2048
	}
	return &CA{
		root:  root,
		store: store,
		audit: audit,
		trans: trans,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *CA) deviceLock(deviceID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	return l
}

// SignResult is the response envelope for a successful CSR signing.
type SignResult struct {
	DeviceID        string
	Certificate     string
	CACertificate   string
	SerialNumber    string
	ExpiresAt       time.Time
	CertificateID   uuid.UUID
	TransparencyIndex int64
	LeafHash        string
	RootHash        string
	InclusionProof  []ProofStep
}

// SignCSR runs the ten-step CSR signing pipeline described for C5. replace
// allows overwriting an existing active certificate for the device.
func (c *CA) SignCSR(ctx context.Context, csrPEM []byte, deviceID, userID, orderID, batchID string, replace bool) (*SignResult, error) {
	if c.root == nil {
		return nil, errs.New(errs.RootCANotInitialized, "root CA is not initialized")
	}

	// Step 1-3: parse, verify self-signature, enforce key size.
	csr, err := parseAndVerifyCSR(csrPEM, c.cfg.MinKeyBits)
	if err != nil {
		return nil, err
	}

	// Step 4: validate subject against expected CNs.
	expected := ExpectedCNs(c.cfg.CNPrefix, deviceID, orderID, batchID)
	if !subjectMatches(csr, expected) {
		return nil, errs.New(errs.InvalidCSRDeviceID, "CSR subject does not match any expected device common name")
	}
	cn := FormatCN(c.cfg.CNFormat, c.cfg.CNPrefix, deviceID, orderID, batchID)

	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	// Step 5: pre-existing certificate check.
	existing, err := c.store.FindActiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("checking existing certificate: %v", err))
	}
	if existing != nil && !replace {
		return nil, errs.New(errs.DeviceHasActiveCert, "device already has an active certificate").
			WithDetails(map[string]any{"certificateId": existing.ID, "expiresAt": existing.ExpiresAt})
	}

	// Step 6-7: build and sign the certificate.
	now := time.Now()
	notAfter := now.AddDate(0, 0, c.cfg.CertValidityDays)
	serialBig, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errs.New(errs.Internal, "generating certificate serial")
	}

	eku, err := criticalClientAuthEKU()
	if err != nil {
		return nil, errs.New(errs.Internal, "building extended key usage extension")
	}

	template := &x509.Certificate{
		SerialNumber:          serialBig,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions:       []pkix.Extension{eku},
		AuthorityKeyId:        c.root.Cert.SubjectKeyId,
	}
	if pub, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		template.SubjectKeyId = subjectKeyID(pub)
	}
	if len(csr.DNSNames) > 0 {
		template.DNSNames = csr.DNSNames
	} else if c.cfg.RequireSAN {
		template.DNSNames = []string{cn}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.root.Cert, csr.PublicKey, c.root.Key)
	if err != nil {
		return nil, errs.New(errs.Internal, fmt.Sprintf("signing certificate: %v", err))
	}

	// Step 8: fingerprint, serial, persist.
	fpSum := sha256.Sum256(der)
	fingerprint := hex.EncodeToString(fpSum[:])
	serial := serialBig.Text(16)
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	rec := CertRecord{
		ID:            uuid.New(),
		DeviceID:      deviceID,
		UserID:        userID,
		Certificate:   certPEM,
		CACertificate: string(c.root.CertPEM()),
		CN:            cn,
		Fingerprint:   fingerprint,
		Status:        StatusActive,
		CreatedAt:     now,
		ExpiresAt:     notAfter,
	}
	if orderID != "" {
		rec.OrderID = &orderID
	}
	if batchID != "" {
		rec.BatchID = &batchID
	}

	var saved CertRecord
	if existing != nil && replace {
		saved, err = c.store.ReplaceActive(ctx, deviceID, rec)
	} else {
		saved, err = c.store.Insert(ctx, rec)
	}
	if err != nil {
		return nil, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("persisting certificate: %v", err))
	}

	result := &SignResult{
		DeviceID:      deviceID,
		Certificate:   certPEM,
		CACertificate: rec.CACertificate,
		SerialNumber:  serial,
		ExpiresAt:     notAfter,
		CertificateID: saved.ID,
	}

	// Step 9: audit.
	if c.audit != nil {
		_ = c.audit.LogEvent(ctx, AuditData{
			Event:       "CERTIFICATE_ISSUED",
			DeviceID:    &deviceID,
			UserID:      &userID,
			OrderID:     rec.OrderID,
			BatchID:     rec.BatchID,
			Serial:      &serial,
			Fingerprint: &fingerprint,
			Details:     map[string]any{"cn": cn},
		})
	}

	// Step 10: transparency.
	if c.trans != nil {
		tr, err := c.trans.AddEntry(ctx, fingerprint, serial, cn, deviceID, now)
		if err == nil {
			result.TransparencyIndex = tr.Index
			result.LeafHash = tr.LeafHash
			result.RootHash = tr.RootHash
			result.InclusionProof = tr.InclusionProof
		}
	}

	return result, nil
}

// Revoke marks a certificate revoked, accepting either its primary key or
// device ID. Revoking an already-revoked certificate is a no-op success.
func (c *CA) Revoke(ctx context.Context, deviceIDOrCertID string) (*CertRecord, error) {
	current, err := c.lookupAny(ctx, deviceIDOrCertID)
	if err != nil {
		return nil, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("looking up certificate: %v", err))
	}
	if current == nil {
		return nil, errs.New(errs.DeviceNotFound, "certificate not found")
	}
	if current.Status == StatusRevoked {
		return current, nil
	}

	rec, err := c.store.Revoke(ctx, deviceIDOrCertID)
	if err != nil {
		return nil, errs.New(errs.DatabaseUnavailable, fmt.Sprintf("revoking certificate: %v", err))
	}
	if rec == nil {
		return nil, errs.New(errs.DeviceNotFound, "certificate not found")
	}
	if c.audit != nil {
		serial := rec.Fingerprint
		device := rec.DeviceID
		_ = c.audit.LogEvent(ctx, AuditData{
			Event:       "CERTIFICATE_REVOKED",
			DeviceID:    &device,
			Fingerprint: &serial,
		})
	}
	return rec, nil
}

func (c *CA) lookupAny(ctx context.Context, deviceIDOrCertID string) (*CertRecord, error) {
	if id, err := uuid.Parse(deviceIDOrCertID); err == nil {
		return c.store.GetByID(ctx, id)
	}
	return c.store.GetByDeviceID(ctx, deviceIDOrCertID)
}

// CertificateByID returns a certificate record by its primary key, for the
// certificate download endpoint.
func (c *CA) CertificateByID(ctx context.Context, id uuid.UUID) (*CertRecord, error) {
	return c.store.GetByID(ctx, id)
}

// LatestByDevice returns the most recent certificate record for a device,
// regardless of status, for the certificate status endpoint.
func (c *CA) LatestByDevice(ctx context.Context, deviceID string) (*CertRecord, error) {
	return c.store.GetByDeviceID(ctx, deviceID)
}

// RootCertPEM returns the root CA's certificate in PEM form, or nil if the
// root CA was never loaded.
func (c *CA) RootCertPEM() []byte {
	if c.root == nil {
		return nil
	}
	return c.root.CertPEM()
}
