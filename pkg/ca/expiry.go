package ca

import (
	"context"
	"time"
)

// ExpiryStatus classifies a certificate relative to its renewal window and
// grace period.
type ExpiryStatus string

const (
	ExpiryValid          ExpiryStatus = "valid"
	ExpiryRenewalWindow  ExpiryStatus = "renewal_window"
	ExpiryGracePeriod    ExpiryStatus = "grace_period"
	ExpiryHardExpired    ExpiryStatus = "hard_expired"
)

// ActiveCertificate annotates a stored certificate record with its current
// expiry classification.
type ActiveCertificate struct {
	CertRecord
	ExpiryStatus    ExpiryStatus
	DaysUntilExpiry int
}

// FindActiveCertificate looks up a device's active certificate and
// classifies it against the configured renewal window and grace period.
// A hard-expired certificate is reported as absent (nil, nil) after
// emitting CERTIFICATE_EXPIRED; a certificate within its grace period is
// returned with a warning status after emitting CERTIFICATE_GRACE_ACCEPTED.
func (c *CA) FindActiveCertificate(ctx context.Context, deviceID string) (*ActiveCertificate, error) {
	rec, err := c.store.FindActiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	days := int(time.Until(rec.ExpiresAt).Hours() / 24)

	var status ExpiryStatus
	switch {
	case days > c.cfg.RenewalWindowDays:
		status = ExpiryValid
	case days > 0:
		status = ExpiryRenewalWindow
	case -days <= c.cfg.GracePeriodDays:
		status = ExpiryGracePeriod
	default:
		status = ExpiryHardExpired
	}

	switch status {
	case ExpiryGracePeriod:
		if c.audit != nil {
			device := deviceID
			fp := rec.Fingerprint
			_ = c.audit.LogEvent(ctx, AuditData{
				Event:       "CERTIFICATE_GRACE_ACCEPTED",
				DeviceID:    &device,
				Fingerprint: &fp,
				Details:     map[string]any{"daysUntilExpiry": days},
			})
		}
	case ExpiryHardExpired:
		_ = c.store.MarkExpired(ctx, rec.ID)
		if c.audit != nil {
			device := deviceID
			fp := rec.Fingerprint
			_ = c.audit.LogEvent(ctx, AuditData{
				Event:       "CERTIFICATE_EXPIRED",
				DeviceID:    &device,
				Fingerprint: &fp,
			})
		}
		return nil, nil
	}

	return &ActiveCertificate{CertRecord: *rec, ExpiryStatus: status, DaysUntilExpiry: days}, nil
}
