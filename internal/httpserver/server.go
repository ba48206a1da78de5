package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetpki/internal/config"
)

// MQTTStatus reports the liveness tracker's connection state for /health.
type MQTTStatus interface {
	Connected() bool
}

// Server holds the HTTP server dependencies. Unlike the teacher's
// tenant-scoped API router, routes here authenticate individually per the
// two-stage provisioning protocol (spec §4.7) rather than behind one global
// auth middleware, so Server exposes a single top-level Router that domain
// packages mount directly onto.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	mqtt      MQTTStatus
	startedAt time.Time
}

// NewServer creates an HTTP server with baseline middleware and the
// unauthenticated health/metrics endpoints. Domain handlers are mounted onto
// Router by the caller (internal/app).
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, mqtt MQTTStatus) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		mqtt:      mqtt,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// GET /health is exempt from rate limiting (spec §4.4) and from auth.
	s.Router.Get("/health", s.handleHealth)

	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := s.DB.Ping(ctx) == nil
	redisOK := s.Redis.Ping(ctx).Err() == nil

	status := "ok"
	if !dbOK || !redisOK {
		status = "degraded"
	}

	connected := false
	if s.mqtt != nil {
		connected = s.mqtt.Connected()
	}

	Respond(w, http.StatusOK, map[string]any{
		"status": status,
		"mqtt": map[string]any{
			"connected": connected,
		},
		"database": dbOK,
		"redis":    redisOK,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
