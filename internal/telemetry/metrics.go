package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var CertificatesIssuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "ca",
		Name:      "certificates_issued_total",
		Help:      "Total number of device certificates issued, by CN format.",
	},
	[]string{"cn_format"},
)

var CertificatesRevokedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "ca",
		Name:      "certificates_revoked_total",
		Help:      "Total number of device certificates revoked.",
	},
)

var CSRSignDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetpki",
		Subsystem: "ca",
		Name:      "csr_sign_duration_seconds",
		Help:      "Time spent parsing, validating, and signing a CSR.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	},
)

var CertificateGraceAcceptedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "ca",
		Name:      "certificate_grace_accepted_total",
		Help:      "Total number of device authentications accepted within the grace period.",
	},
)

var RateLimitRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total number of requests rejected by the rate limiter, by counter type.",
	},
	[]string{"type"},
)

var AuditChainLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetpki",
		Subsystem: "audit",
		Name:      "chain_length",
		Help:      "Current length of the audit hash chain.",
	},
)

var AuditChainTamperedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "audit",
		Name:      "chain_tampered_total",
		Help:      "Total number of tamper detections during chain verification.",
	},
)

var TransparencyTreeSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetpki",
		Subsystem: "translog",
		Name:      "tree_size",
		Help:      "Current number of leaves in the certificate transparency tree.",
	},
)

var LivenessEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetpki",
		Subsystem: "liveness",
		Name:      "events_total",
		Help:      "Total number of MQTT liveness events processed, by kind.",
	},
	[]string{"kind"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetpki",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method, route, and status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var ActiveDevices = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetpki",
		Subsystem: "liveness",
		Name:      "active_devices",
		Help:      "Approximate number of devices currently marked active.",
	},
)

// All returns every fleetpki metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CertificatesIssuedTotal,
		CertificatesRevokedTotal,
		CSRSignDuration,
		CertificateGraceAcceptedTotal,
		RateLimitRejectionsTotal,
		HTTPRequestDuration,
		AuditChainLength,
		AuditChainTamperedTotal,
		TransparencyTreeSize,
		LivenessEventsTotal,
		ActiveDevices,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors and
// every fleetpki collector registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
