package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetpki/internal/config"
	"github.com/wisbric/fleetpki/internal/httpserver"
	"github.com/wisbric/fleetpki/internal/platform"
	"github.com/wisbric/fleetpki/internal/telemetry"
	"github.com/wisbric/fleetpki/pkg/auditlog"
	"github.com/wisbric/fleetpki/pkg/authtoken"
	"github.com/wisbric/fleetpki/pkg/ca"
	"github.com/wisbric/fleetpki/pkg/directory"
	"github.com/wisbric/fleetpki/pkg/liveness"
	"github.com/wisbric/fleetpki/pkg/provisioning"
	"github.com/wisbric/fleetpki/pkg/ratelimit"
	"github.com/wisbric/fleetpki/pkg/timeseries"
	"github.com/wisbric/fleetpki/pkg/tokenstore"
	"github.com/wisbric/fleetpki/pkg/translog"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the control plane in API mode, or performs a
// one-shot root CA bootstrap in ca-init mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetpki",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Mode == "ca-init" {
		return runCAInit(cfg, logger)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runCAInit loads or creates the root CA keypair at cfg.CAStoragePath and
// exits. It exists so an operator can pre-provision the root CA out of band
// before the first API instance starts, rather than racing root generation
// across replicas.
func runCAInit(cfg *config.Config, logger *slog.Logger) error {
	root, err := ca.LoadOrCreateRootCA(cfg.CAStoragePath, cfg.RootCAValidityYears)
	if err != nil {
		return fmt.Errorf("loading or creating root CA: %w", err)
	}
	logger.Info("root CA ready", "path", cfg.CAStoragePath, "not_after", root.Cert.NotAfter)
	return nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	var tsStore timeseries.Store
	if cfg.InfluxURL != "" {
		tsStore = timeseries.NewInfluxStore(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		logger.Info("time-series store: influxdb", "url", cfg.InfluxURL)
	} else {
		tsStore = timeseries.NewPostgresStore(db)
		logger.Info("time-series store: postgres")
	}

	root, err := ca.LoadOrCreateRootCA(cfg.CAStoragePath, cfg.RootCAValidityYears)
	if err != nil {
		return fmt.Errorf("loading or creating root CA: %w", err)
	}

	certStore := ca.NewStore(db)

	auditLog := auditlog.New(tsStore, logger, cfg.CAStoragePath+"/audit.log")
	if err := auditLog.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}

	var transAppender ca.TransparencyAppender
	if cfg.TransparencyLogEnabled {
		transLog := translog.New(tsStore)
		if err := transLog.Load(ctx); err != nil {
			return fmt.Errorf("loading transparency log: %w", err)
		}
		transAppender = transparencyAdapter{tree: transLog}
	}

	caCfg := ca.Config{
		CNPrefix:          cfg.CertCNPrefix,
		CNFormat:          ca.CNFormat(cfg.CertCNFormat),
		MinKeyBits:        cfg.MinCSRKeyBits,
		CertValidityDays:  cfg.DeviceCertValidityDays,
		RenewalWindowDays: cfg.CertRenewalWindowDays,
		GracePeriodDays:   cfg.CertGracePeriodDays,
		RequireSAN:        true,
	}
	authority := ca.New(root, certStore, auditAdapter{log: auditLog}, transAppender, caCfg)

	rateLimitWindow, err := time.ParseDuration(cfg.RateLimitWindow)
	if err != nil {
		return fmt.Errorf("parsing rate limit window %q: %w", cfg.RateLimitWindow, err)
	}
	limiter := ratelimit.New(rdb, ratelimit.Config{
		GlobalPerMinute:            int64(cfg.RLGlobalPerMinute),
		GlobalPerIPPer15Min:        int64(cfg.RLIPPer15Min),
		ProvisioningIPPer15Min:     int64(cfg.RLProvIPPer15Min),
		ProvisioningDevicePer15Min: int64(cfg.RLProvDevicePer15Min),
		CSRGlobalPerMinute:         int64(cfg.RLCSRGlobalPerMinute),
		CSRIPPer15Min:              int64(cfg.RLCSRIPPer15Min),
		CSRProvisionedPer15Min:     int64(cfg.RLCSRProvisionedPer15M),
		CSRUnprovisionedPer15Min:   int64(cfg.RLCSRUnprovPer15Min),
		Window:                     rateLimitWindow,
	}, logger, tsStore)

	dirClient := directory.New(db)
	authVerifier := authtoken.New(cfg.AuthSecret)
	tokenStore := tokenstore.New(rdb)
	provTTL := time.Duration(cfg.ProvisioningTokenTTL) * time.Second
	tokenService := provisioning.NewTokenService(tokenStore, cfg.JWTSecret, provTTL)
	provisioningHandler := provisioning.NewHandler(authVerifier, dirClient, tokenService, authority, limiter, logger, cfg.AllowOnboardingWithActive, cfg.MQTTBroker, cfg.MQTTPort)

	activeCache := liveness.NewActiveDeviceCache(rdb)
	tracker := liveness.NewTracker(liveness.Config{
		Broker:      cfg.MQTTBroker,
		Port:        cfg.MQTTPort,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
	}, activeCache, logger)
	if err := tracker.Connect(ctx); err != nil {
		logger.Error("liveness tracker: failed to connect to MQTT broker, continuing without it", "error", err)
	}
	defer tracker.Disconnect()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, tracker)
	provisioningHandler.Mount(srv.Router)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      limiter.Global(srv),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// auditAdapter translates the ca package's narrow AuditSink interface to
// auditlog.Log's actual shape, so pkg/ca never imports pkg/auditlog.
type auditAdapter struct {
	log *auditlog.Log
}

func (a auditAdapter) LogEvent(ctx context.Context, data ca.AuditData) error {
	_, err := a.log.LogEvent(ctx, auditlog.Data{
		Event:       auditlog.Event(data.Event),
		DeviceID:    data.DeviceID,
		UserID:      data.UserID,
		OrderID:     data.OrderID,
		BatchID:     data.BatchID,
		Serial:      data.Serial,
		Fingerprint: data.Fingerprint,
		Details:     data.Details,
	})
	return err
}

// transparencyAdapter translates the ca package's narrow TransparencyAppender
// interface to translog.Tree's actual shape, so pkg/ca never imports
// pkg/translog.
type transparencyAdapter struct {
	tree *translog.Tree
}

func (t transparencyAdapter) AddEntry(ctx context.Context, fingerprint, serial, cn, deviceID string, issuedAt time.Time) (ca.TransparencyResult, error) {
	result, err := t.tree.AddEntry(ctx, fingerprint, serial, cn, deviceID, issuedAt)
	if err != nil {
		return ca.TransparencyResult{}, err
	}
	steps := make([]ca.ProofStep, len(result.InclusionProof))
	for i, s := range result.InclusionProof {
		steps[i] = ca.ProofStep{Hash: s.Hash, Position: string(s.Position)}
	}
	return ca.TransparencyResult{
		Index:          result.Index,
		LeafHash:       result.LeafHash,
		RootHash:       result.RootHash,
		InclusionProof: steps,
	}, nil
}
