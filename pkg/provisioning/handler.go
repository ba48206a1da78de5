package provisioning

import (
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/fleetpki/internal/errs"
	"github.com/wisbric/fleetpki/internal/httpserver"
	"github.com/wisbric/fleetpki/pkg/authtoken"
	"github.com/wisbric/fleetpki/pkg/ca"
	"github.com/wisbric/fleetpki/pkg/directory"
	"github.com/wisbric/fleetpki/pkg/ratelimit"
)

// Handler implements the two-stage onboarding -> sign-csr HTTP protocol
// (C9) plus the certificate lookup/revocation and MQTT config endpoints
// that sit alongside it, orchestrating the auth verifier, directory
// client, token service, and certificate authority.
type Handler struct {
	auth      *authtoken.Verifier
	directory directory.Client
	tokens    *TokenService
	authority *ca.CA
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	allowOnboardingWithActiveCert bool

	mqttBroker string
	mqttPort   int
}

// NewHandler creates a provisioning protocol Handler.
func NewHandler(auth *authtoken.Verifier, dir directory.Client, tokens *TokenService, authority *ca.CA, limiter *ratelimit.Limiter, logger *slog.Logger, allowOnboardingWithActiveCert bool, mqttBroker string, mqttPort int) *Handler {
	return &Handler{
		auth:                          auth,
		directory:                     dir,
		tokens:                        tokens,
		authority:                     authority,
		limiter:                       limiter,
		logger:                        logger,
		allowOnboardingWithActiveCert: allowOnboardingWithActiveCert,
		mqttBroker:                    mqttBroker,
		mqttPort:                      mqttPort,
	}
}

// Mount registers the provisioning protocol, certificate lookup/revocation,
// and MQTT config routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/v1/onboarding", h.handleOnboarding)
	r.Post("/api/v1/sign-csr", h.handleSignCSR)
	r.Get("/api/v1/certificates/{certId}/download", h.handleDownload)
	r.Get("/api/v1/certificates/{deviceId}/status", h.handleStatus)
	r.Delete("/api/v1/certificates/{deviceId}", h.handleRevoke)
	r.Get("/v1/mqtt-config", h.handleMQTTConfig)
}

type onboardingRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

func (h *Handler) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.auth.Verify(bearerToken(r))
	if err != nil {
		errs.Respond(w, err)
		return
	}

	var req onboardingRequest
	if err := httpserver.Decode(r, &req); err != nil {
		errs.Respond(w, errs.New(errs.DeviceIDRequired, "request body must be valid JSON"))
		return
	}
	if ve := httpserver.Validate(&req); len(ve) > 0 {
		errs.Respond(w, errs.New(errs.DeviceIDRequired, "device_id is required").WithDetails(map[string]any{"details": ve}))
		return
	}

	if rej := h.limiter.Provisioning(ctx, requestIP(r), req.DeviceID); rej != nil {
		ratelimit.WriteRejection(w, rej)
		return
	}

	user, err := h.directory.GetUser(ctx, claims.UserID)
	if err != nil {
		errs.Respond(w, err)
		return
	}

	if !h.allowOnboardingWithActiveCert {
		if active, err := h.authority.FindActiveCertificate(ctx, req.DeviceID); err != nil {
			errs.Respond(w, errs.New(errs.DatabaseUnavailable, "checking existing certificate"))
			return
		} else if active != nil {
			errs.Respond(w, errs.New(errs.DeviceHasActiveCert, "device already has an active certificate").
				WithDetails(map[string]any{"expiresAt": active.ExpiresAt}))
			return
		}
	}

	token, ttl, err := h.tokens.IssueToken(ctx, req.DeviceID, user.ID)
	if err != nil {
		errs.Respond(w, err)
		return
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{
		"provisioning_token": token,
		"expires_in":         int(ttl.Seconds()),
		"device_id":          req.DeviceID,
	})
}

type signCSRRequest struct {
	Token   string `json:"token"`
	CSR     string `json:"csr" validate:"required"`
	OrderID string `json:"order_id"`
	BatchID string `json:"batch_id"`
	Replace bool   `json:"replace"`
}

func (h *Handler) handleSignCSR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req signCSRRequest
	if err := httpserver.Decode(r, &req); err != nil {
		errs.Respond(w, errs.New(errs.InvalidCSR, "request body must be valid JSON"))
		return
	}
	if ve := httpserver.Validate(&req); len(ve) > 0 {
		errs.Respond(w, errs.New(errs.InvalidCSR, "csr is required").WithDetails(map[string]any{"details": ve}))
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = req.Token
	}

	result, err := h.tokens.ValidateToken(ctx, token)
	if err != nil {
		errs.Respond(w, err)
		return
	}

	if rej := h.limiter.CSR(ctx, requestIP(r), result.DeviceID); rej != nil {
		ratelimit.WriteRejection(w, rej)
		return
	}

	user, err := h.directory.GetUser(ctx, result.UserID)
	if err != nil {
		errs.Respond(w, err)
		return
	}

	associated, err := h.directory.DeviceAssociated(ctx, result.DeviceID, user.ID)
	if err != nil {
		errs.Respond(w, err)
		return
	}
	if !associated {
		errs.Respond(w, errs.New(errs.DeviceNotAssociated, "device is not associated with this user"))
		return
	}

	csrPEM := ca.DecodeCSRInput(req.CSR)

	// Steps 1-7 failures (bad CSR / already-has-cert) leave the token live
	// for a retry; the token is only revoked below on full success.
	signed, err := h.authority.SignCSR(ctx, csrPEM, result.DeviceID, user.ID, req.OrderID, req.BatchID, req.Replace)
	if err != nil {
		errs.Respond(w, err)
		return
	}

	if err := h.tokens.RevokeToken(ctx, token); err != nil {
		h.logger.Warn("revoking provisioning token after successful sign-csr", "error", err, "device_id", result.DeviceID)
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{
		"success":       true,
		"device_id":     signed.DeviceID,
		"certificate":   signed.Certificate,
		"ca_certificate": signed.CACertificate,
		"expires_at":    signed.ExpiresAt,
		"serial_number": signed.SerialNumber,
		"certificateId": signed.CertificateID,
		"downloadUrl":   "/api/v1/certificates/" + signed.CertificateID.String() + "/download",
	})
}

// handleDownload serves a previously issued certificate's PEM material by
// its certificate ID. private_key is always null: devices hold their own
// key, the server never stores or returns one.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	certID, err := uuid.Parse(chi.URLParam(r, "certId"))
	if err != nil {
		errs.Respond(w, errs.New(errs.DeviceNotFound, "certificate not found"))
		return
	}

	rec, err := h.authority.CertificateByID(ctx, certID)
	if err != nil {
		errs.Respond(w, errs.New(errs.DatabaseUnavailable, "looking up certificate"))
		return
	}
	if rec == nil {
		errs.Respond(w, errs.New(errs.DeviceNotFound, "certificate not found"))
		return
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{
		"certificate":    rec.Certificate,
		"ca_certificate": rec.CACertificate,
		"private_key":    nil,
	})
}

// handleStatus reports a device's most recent certificate record, whatever
// its current lifecycle status, so operators can see revoked/expired rows
// too rather than only an active one.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceId")

	rec, err := h.authority.LatestByDevice(ctx, deviceID)
	if err != nil {
		errs.Respond(w, errs.New(errs.DatabaseUnavailable, "looking up certificate"))
		return
	}
	if rec == nil {
		errs.Respond(w, errs.New(errs.DeviceNotFound, "no certificate found for device"))
		return
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{
		"device_id":   rec.DeviceID,
		"status":      rec.Status,
		"expires_at":  rec.ExpiresAt,
		"created_at":  rec.CreatedAt,
		"fingerprint": rec.Fingerprint,
	})
}

// handleRevoke revokes a device's active certificate. Revoking an
// already-revoked certificate is a no-op 200; revoking a device with no
// certificate at all is 404.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceId")

	if _, err := h.authority.Revoke(ctx, deviceID); err != nil {
		errs.Respond(w, err)
		return
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{"device_id": deviceID})
}

// handleMQTTConfig reports the MQTT broker address devices should connect
// to and the CA certificate they should pin, so a freshly provisioned
// device never needs an out-of-band config push.
func (h *Handler) handleMQTTConfig(w http.ResponseWriter, r *http.Request) {
	var caCert any
	if pem := h.authority.RootCertPEM(); len(pem) > 0 {
		caCert = base64.StdEncoding.EncodeToString(pem)
	}

	errs.RespondOK(w, http.StatusOK, map[string]any{
		"broker":  h.mqttBroker,
		"port":    h.mqttPort,
		"ca_cert": caCert,
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}

// requestIP extracts the client address the same way the Global rate limit
// middleware does, for the device-ID-aware counters that run inline here
// instead of in that middleware.
func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
