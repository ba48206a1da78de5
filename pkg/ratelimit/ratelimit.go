// Package ratelimit implements the tiered, Redis-backed sliding-window rate
// limiter protecting the onboarding and CSR-signing paths.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetpki/internal/telemetry"
	"github.com/wisbric/fleetpki/pkg/timeseries"
)

// Config holds every cap and window from spec.md §4.4 / §6.
type Config struct {
	GlobalPerMinute     int64
	GlobalPerIPPer15Min int64

	ProvisioningIPPer15Min     int64
	ProvisioningDevicePer15Min int64

	CSRGlobalPerMinute      int64
	CSRIPPer15Min           int64
	CSRProvisionedPer15Min  int64
	CSRUnprovisionedPer15Min int64

	Window time.Duration
}

// Counter is a single named Redis counter with its own cap and TTL window.
type counter struct {
	key   string
	cap   int64
	ttl   time.Duration
	label string
}

// Limiter checks tiered counters against a Redis backend. It fails open:
// if Redis is unreachable, requests are forwarded and a warning is logged,
// rather than blocking traffic on an infrastructure outage.
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
	store  timeseries.Store
}

// New creates a Limiter.
func New(rdb *redis.Client, cfg Config, logger *slog.Logger, store timeseries.Store) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, logger: logger, store: store}
}

// Rejection describes a rejected request for the HTTP layer to render.
type Rejection struct {
	Type       string
	RetryAfter time.Duration
	Limit      int64
	Remaining  int64
}

// increment performs INCR, setting TTL only on the first increment, then
// returns the post-increment value and the key's remaining TTL.
func (l *Limiter) increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	val, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if val == 1 {
		if err := l.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, 0, err
		}
	}
	remaining, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if remaining < 0 {
		remaining = ttl
	}
	return val, remaining, nil
}

// check runs a sequence of counters in order and returns the first rejection
// encountered, or nil if every counter is within its cap. Redis errors are
// logged and treated as "allow" (fail open).
func (l *Limiter) check(ctx context.Context, counters []counter) *Rejection {
	for _, c := range counters {
		val, ttl, err := l.increment(ctx, c.key, c.ttl)
		if err != nil {
			l.logger.Warn("rate limiter backend unavailable, failing open", "error", err, "key", c.key)
			return nil
		}
		if val > c.cap {
			telemetry.RateLimitRejectionsTotal.WithLabelValues(c.label).Inc()
			l.recordEvent(ctx, c, val)
			return &Rejection{Type: c.label, RetryAfter: ttl, Limit: c.cap, Remaining: 0}
		}
	}
	return nil
}

func (l *Limiter) recordEvent(ctx context.Context, c counter, count int64) {
	if l.store == nil {
		return
	}
	if err := l.store.AppendRateLimitEvent(ctx, timeseries.RateLimitEvent{
		Timestamp: time.Now().UTC(),
		LimitType: c.label,
		Endpoint:  c.label,
		Count:     count,
		Limit:     c.cap,
		Remaining: 0,
	}); err != nil {
		l.logger.Warn("failed to record rate limit event", "error", err)
	}
}

func minuteBucket() string {
	return strconv.FormatInt(time.Now().Unix()/60, 10)
}

// Global returns middleware enforcing the global and per-IP counters. It
// exempts GET /health per spec.md §4.4.
func (l *Limiter) Global(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		counters := []counter{
			{key: "rl:global:" + minuteBucket(), cap: l.cfg.GlobalPerMinute, ttl: time.Minute, label: "global"},
			{key: "rl:ip:" + ip, cap: l.cfg.GlobalPerIPPer15Min, ttl: l.cfg.Window, label: "global_ip"},
		}

		if rej := l.check(r.Context(), counters); rej != nil {
			writeRejection(w, rej)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Provisioning enforces the onboarding-stage counters. deviceID is "" when
// the request body has not been parsed yet for a device identifier.
func (l *Limiter) Provisioning(ctx context.Context, ip, deviceID string) *Rejection {
	counters := []counter{
		{key: "rl:prov:ip:" + ip, cap: l.cfg.ProvisioningIPPer15Min, ttl: l.cfg.Window, label: "provisioning_ip"},
	}
	if deviceID != "" {
		counters = append(counters, counter{
			key: "rl:prov:device:" + deviceID, cap: l.cfg.ProvisioningDevicePer15Min, ttl: l.cfg.Window, label: "provisioning_device",
		})
	}
	return l.check(ctx, counters)
}

// CSR enforces the sign-csr-stage counters: global, per-IP, then either the
// provisioned-device or unprovisioned-IP counter.
func (l *Limiter) CSR(ctx context.Context, ip, deviceID string) *Rejection {
	counters := []counter{
		{key: "csr:global:" + minuteBucket(), cap: l.cfg.CSRGlobalPerMinute, ttl: time.Minute, label: "csr_global"},
		{key: "csr:ip:" + ip, cap: l.cfg.CSRIPPer15Min, ttl: l.cfg.Window, label: "csr_ip"},
	}
	if deviceID != "" {
		counters = append(counters, counter{
			key: "csr:provisioned:" + deviceID, cap: l.cfg.CSRProvisionedPer15Min, ttl: l.cfg.Window, label: "csr_provisioned",
		})
	} else {
		counters = append(counters, counter{
			key: "csr:unprovisioned:" + ip, cap: l.cfg.CSRUnprovisionedPer15Min, ttl: l.cfg.Window, label: "csr_unprovisioned",
		})
	}
	return l.check(ctx, counters)
}

// WriteRejection renders a 429 response for a rejection returned by
// Provisioning or CSR, for callers outside this package that enforce those
// counters inline rather than through the Global middleware.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	writeRejection(w, rej)
}

func writeRejection(w http.ResponseWriter, rej *Rejection) {
	w.Header().Set("Retry-After", strconv.FormatInt(int64(rej.RetryAfter.Seconds()), 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rej.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rej.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rej.RetryAfter).Unix(), 10))
	w.Header().Set("X-RateLimit-Type", rej.Type)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"RATE_LIMIT_EXCEEDED","retryAfter":%d,"limit":%d,"window":%q,"type":%q,"timestamp":%q}`,
		int64(rej.RetryAfter.Seconds()), rej.Limit, rej.RetryAfter.String(), rej.Type, time.Now().UTC().Format(time.RFC3339))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
