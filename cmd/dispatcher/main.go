package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mobtriage/verdict/internal/api"
	appscanning "github.com/mobtriage/verdict/internal/app/scanning"
	"github.com/mobtriage/verdict/internal/config"
	"github.com/mobtriage/verdict/internal/config/fileloader"
	"github.com/mobtriage/verdict/internal/infra/reputation"
	"github.com/mobtriage/verdict/internal/infra/staging"
	credStore "github.com/mobtriage/verdict/internal/infra/storage/credentials/postgres"
	resultStore "github.com/mobtriage/verdict/internal/infra/storage/scanning/postgres"
	"github.com/mobtriage/verdict/pkg/common"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/otel"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

const serviceType = "scan-dispatcher"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("DISPATCHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		prob, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting application...")

	metricCollector, err := appscanning.NewScanMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	credentials := credStore.NewCredentialStore(pool, tracer)
	results := resultStore.NewResultStore(pool, tracer)

	clock := timeutil.Default()

	reputationClient := reputation.NewClient(reputation.Config{
		BaseURL:       cfg.Reputation.BaseURL,
		LookupTimeout: cfg.Reputation.LookupTimeout.Std(),
		UploadTimeout: cfg.Reputation.UploadTimeout.Std(),
		MaxFileSize:   cfg.Reputation.MaxFileSize,
	}, log, tracer)

	stagingClient := staging.NewClient(staging.Config{
		BaseURL: cfg.Staging.BaseURL,
		Timeout: cfg.Staging.Timeout.Std(),
	}, log, tracer)

	allocator := appscanning.NewCredentialAllocator(
		credentials, cfg.Credential.Cooldown.Std(), clock, log, tracer)

	executor := appscanning.NewTaskExecutor(
		allocator,
		reputationClient,
		results,
		appscanning.ExecutorConfig{
			MaxFileSize:     cfg.Reputation.MaxFileSize,
			BackoffBase:     cfg.Executor.BackoffBase.Std(),
			MaxAuthAttempts: cfg.Executor.MaxAuthAttempts,
		},
		clock, log, metricCollector, tracer)

	dispatcher := appscanning.NewBatchDispatcher(
		executor,
		stagingClient,
		results,
		appscanning.DispatchConfig{
			BatchSizeCeiling: cfg.Dispatch.BatchSizeCeiling,
			PacingDelay:      cfg.Dispatch.PacingDelay.Std(),
			Workers:          cfg.Dispatch.Workers,
		},
		clock, log, metricCollector, tracer)

	server, err := api.NewServer(cfg, log, tracer, dispatcher, results, credentials)
	if err != nil {
		log.Error(ctx, "failed to create api server", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Dispatcher initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Let in-flight tasks reach a terminal state before the pool closes.
		done := make(chan struct{})
		go func() {
			dispatcher.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "Timed out waiting for in-flight tasks")
		}

	case err := <-errCh:
		log.Error(ctx, "Server error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := fileloader.NewFileLoader(path).Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		defaults := config.Default()
		cfg = &defaults
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.DSN == "" {
		user := envOr("POSTGRES_USER", "postgres")
		password := envOr("POSTGRES_PASSWORD", "postgres")
		host := envOr("POSTGRES_HOST", "postgres")
		dbname := envOr("POSTGRES_DB", "verdict")
		cfg.Database.DSN = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runMigrations uses golang-migrate to apply all up migrations. It borrows a
// database/sql handle from the pool for the duration of the run.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
