// Package main is the entry point for the organization service binary.
// It dispatches four subcommands (serve, migrate, sweep and version) via a
// simple switch on os.Args so the binary's full CLI surface is readable in one
// place. The serve command runs postgres migrations on startup when the
// postgres registry is selected so fresh deployments need no separate step.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/org-partitions/org-service/internal/api"
	"github.com/org-partitions/org-service/internal/audit"
	"github.com/org-partitions/org-service/internal/auth"
	"github.com/org-partitions/org-service/internal/config"
	"github.com/org-partitions/org-service/internal/db"
	"github.com/org-partitions/org-service/internal/lease"
	"github.com/org-partitions/org-service/internal/lifecycle"
	"github.com/org-partitions/org-service/internal/partition"
	_ "github.com/org-partitions/org-service/internal/partition/memory"
	_ "github.com/org-partitions/org-service/internal/partition/mongo"
	"github.com/org-partitions/org-service/internal/registry"
	_ "github.com/org-partitions/org-service/internal/registry/memory"
	_ "github.com/org-partitions/org-service/internal/registry/mongo"
	_ "github.com/org-partitions/org-service/internal/registry/postgres"
	"github.com/org-partitions/org-service/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Organization Service v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "sweep":
		return sweep(cfg)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, sweep, version", command)
	}
}

// backends holds every connection and component built from configuration.
type backends struct {
	mongo    *mongo.Client
	sql      *sql.DB
	redis    redis.UniversalClient
	registry registry.Registry
	store    partition.Store
	manager  *lifecycle.Manager
	hasher   *auth.BcryptHasher
}

func (b *backends) Close() {
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	if b.sql != nil {
		if err := b.sql.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
	if b.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.mongo.Disconnect(ctx); err != nil {
			slog.Warn("failed to disconnect mongo", "error", err)
		}
	}
}

// connect opens the connections the selected backends need and assembles the
// lifecycle manager. On error every connection opened so far is closed.
func connect(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var mongoDB *mongo.Database
	if cfg.UsesMongo() {
		b.mongo, err = db.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.AppName, cfg.Mongo.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		mongoDB = b.mongo.Database(cfg.Mongo.Database)
		slog.Info("connected to mongo", "database", cfg.Mongo.Database)
	}

	if cfg.Registry.Backend == "postgres" {
		b.sql, err = db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Printf("Connected to database %s on %s:%d", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port) // #nosec G706 -- logged values are operator configuration
	}

	if cfg.UsesRedis() {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	b.registry, err = registry.New(cfg.Registry.Backend, registry.Deps{Config: cfg, Mongo: mongoDB, DB: b.sql})
	if err != nil {
		return nil, err
	}
	b.store, err = partition.New(cfg.Partitions.Backend, partition.Deps{Config: cfg, Mongo: mongoDB})
	if err != nil {
		return nil, err
	}

	var leaser lease.Leaser
	if cfg.Lease.Backend == "redis" {
		leaser = lease.NewRedis(b.redis, cfg.Lease.WaitTimeout, cfg.Lease.TTL)
	} else {
		leaser = lease.NewMemory(cfg.Lease.WaitTimeout)
	}

	b.hasher = auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	b.manager = lifecycle.New(b.registry, b.store, leaser, b.hasher, lifecycle.Options{
		OpTimeout: cfg.Partitions.OpTimeout,
		Retry: lifecycle.RetryPolicy{
			MaxRetries:      cfg.Partitions.MaxRetries,
			InitialInterval: cfg.Partitions.RetryInitialInterval,
			MaxInterval:     cfg.Partitions.RetryMaxInterval,
		},
		CopyVerify: true,
	})

	slog.Info("backends ready",
		"registry", cfg.Registry.Backend,
		"partitions", cfg.Partitions.Backend,
		"lease", cfg.Lease.Backend)
	return b, nil
}

func serve(cfg *config.Config, configPath string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Only the logging section is applied live; everything else needs a restart.
	err := config.Watch(configPath, func(next *config.Config) {
		telemetry.SetupLogger(next.Logging.Format, next.Logging.Level)
		slog.Info("configuration reloaded", "log_level", next.Logging.Level, "log_format", next.Logging.Format)
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		slog.Warn("config file watch disabled", "error", err)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate JWT secret configuration (fails in production if not set)
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	log.Println("JWT secret validated successfully")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	b, err := connect(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.sql != nil {
		telemetry.StartDBStatsCollector(rootCtx, b.sql)

		log.Println("Running database migrations...")
		if err := db.RunMigrations(b.sql, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		if v, dirty, err := db.GetMigrationVersion(b.sql); err != nil {
			log.Printf("Warning: failed to get migration version: %v", err)
		} else {
			log.Printf("Database schema version: %d (dirty: %v)", v, dirty)
		}
	}

	if ix, ok := b.registry.(interface{ EnsureIndexes(context.Context) error }); ok {
		if err := ix.EnsureIndexes(rootCtx); err != nil {
			return fmt.Errorf("failed to ensure registry indexes: %w", err)
		}
	}

	// Prometheus metrics are served on a dedicated port so the scrape path is
	// not reachable through the public API listener.
	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	auditShipper, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to configure audit shipping: %w", err)
	}
	defer auditShipper.Close()
	var auditSink audit.Shipper
	if auditShipper.Len() > 0 {
		auditSink = auditShipper
	}

	issuer := auth.NewIssuer(b.registry, b.hasher, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	router, bgServices := api.NewRouter(cfg, api.Dependencies{
		Manager:  b.manager,
		Issuer:   issuer,
		Registry: b.registry,
		Store:    b.store,
		Redis:    b.redis,
		Audit:    auditSink,
		Version:  version,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		var err error
		if cfg.Security.TLS.Enabled {
			log.Printf("TLS enabled: cert=%s, key=%s", cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}

	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

// sweep runs a single reconciliation pass and exits. It is meant for cron
// style deployments that disable the in-process reconcile job.
func sweep(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	report, err := b.manager.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	log.Printf("Reconcile complete: recreated=%d dropped=%d skipped=%d failed=%d",
		len(report.Recreated), len(report.Dropped), len(report.Skipped), len(report.Failed))
	if len(report.Failed) > 0 {
		return fmt.Errorf("reconcile left %d partitions unrepaired: %v", len(report.Failed), report.Failed)
	}
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	if cfg.Registry.Backend != "postgres" {
		return fmt.Errorf("migrations apply to the postgres registry only (registry.backend=%s)", cfg.Registry.Backend)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction) // #nosec G706 -- direction is a CLI argument

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}
