package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/config"
	"github.com/ekaya-inc/ekaya-clinical/pkg/database"
	"github.com/ekaya-inc/ekaya-clinical/pkg/handlers"
	"github.com/ekaya-inc/ekaya-clinical/pkg/logging"
	"github.com/ekaya-inc/ekaya-clinical/pkg/metrics"
	"github.com/ekaya-inc/ekaya-clinical/pkg/middleware"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories/memory"
	"github.com/ekaya-inc/ekaya-clinical/pkg/retry"
	"github.com/ekaya-inc/ekaya-clinical/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel, "ekaya-clinical")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("source_driver", cfg.Source.Driver),
		zap.String("source_table", cfg.Source.Table),
		zap.Strings("trusted_sources", cfg.Trust.TrustedSources),
		zap.String("unparseable_policy", cfg.Reader.UnparseablePolicy))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Reader stopped with error", zap.String("error", logging.SanitizeError(err)))
		os.Exit(1)
	}
	logger.Info("Reader stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	connectRetry := retry.DefaultConfig()

	var (
		tx         repositories.Transactor
		repos      *repositories.Set
		source     repositories.SourceRecordRepository
		checkpoint handlers.CheckpointFunc
	)

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		store := memory.NewStore()
		tx, repos = store, store.Repositories()
		checkpoint = store.ReadCheckpoint
		logger.Warn("Using in-memory store; reconciled state is lost on exit")
	default:
		db, err := retry.DoWithResult(ctx, connectRetry, func() (*database.DB, error) {
			return database.NewConnection(ctx, &database.Config{
				URL:            cfg.Database.URL(),
				MaxConnections: cfg.Database.MaxConnections,
			})
		})
		if err != nil {
			return fmt.Errorf("connect to store database: %w", err)
		}
		defer db.Close()

		if err := migrate(cfg, logger); err != nil {
			return err
		}
		tx, repos = db, repositories.NewPostgresSet()
		checkpoint = readCheckpoint(db, repos.Checkpoints)
		if cfg.Source.SharesStore() {
			source = repositories.NewPostgresSourceRepository(db.Pool, cfg.Source.Table)
		}
	}

	if source == nil {
		src, closeSource, err := openSource(ctx, cfg, connectRetry, logger)
		if err != nil {
			return err
		}
		defer closeSource()
		source = src
	}

	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	trust := services.NewTrustTable(cfg.Trust.TrustedSources)
	cache := services.NewObservationTypeCache(repos.ObservationTypes, repos.Audit, logger)
	processor := services.NewEventProcessor(&services.EventProcessorDeps{
		Transactor: tx,
		Repos:      repos,
		Trust:      trust,
		Cache:      cache,
		Publisher:  publisher,
		Logger:     logger,
	})

	reader := services.NewSourceReader(&services.SourceReaderDeps{
		Transactor:     tx,
		Source:         source,
		Checkpoints:    repos.Checkpoints,
		SkippedRecords: repos.SkippedRecords,
		Parser:         services.NewEnvelopeParser(),
		Processor:      processor,
		Logger:         logger,
	}, services.SourceReaderOptions{
		PollInterval:      cfg.Reader.PollInterval,
		HaltOnUnparseable: cfg.Reader.UnparseablePolicy == config.UnparseableHalt,
	})

	server := newHTTPServer(cfg, checkpoint, logger)
	go func() {
		logger.Info("Serving health and metrics", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}()

	return reader.Run(ctx)
}

// migrate applies schema migrations through database/sql, which golang-migrate requires.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, cfg.Store.MigrationsPath, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func openSource(ctx context.Context, cfg *config.Config, retryCfg *retry.Config, logger *zap.Logger) (repositories.SourceRecordRepository, func(), error) {
	switch cfg.Source.Driver {
	case config.SourceDriverSQLServer:
		db, err := retry.DoWithResult(ctx, retryCfg, func() (*sql.DB, error) {
			return database.OpenSQLServer(ctx, &cfg.Source)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to SQL Server source %s: %s",
				logging.SanitizeConnectionString(cfg.Source.SQLServerURL()), logging.SanitizeError(err))
		}
		logger.Info("Reading source records from SQL Server", zap.String("host", cfg.Source.Host))
		return repositories.NewSQLServerSourceRepository(db, cfg.Source.Table), func() { _ = db.Close() }, nil

	default:
		if cfg.Source.SharesStore() {
			return nil, nil, fmt.Errorf("the memory store needs a source database host")
		}
		dbCfg := cfg.Source.PostgresDatabase(cfg.Database)
		db, err := retry.DoWithResult(ctx, retryCfg, func() (*database.DB, error) {
			return database.NewConnection(ctx, &database.Config{URL: dbCfg.URL(), MaxConnections: 2})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to PostgreSQL source %s: %s",
				logging.SanitizeConnectionString(dbCfg.URL()), logging.SanitizeError(err))
		}
		logger.Info("Reading source records from PostgreSQL", zap.String("host", dbCfg.Host))
		return repositories.NewPostgresSourceRepository(db.Pool, cfg.Source.Table), db.Close, nil
	}
}

func openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.ChangePublisher, func(), error) {
	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		logger.Info("Redis not configured; change notifications disabled")
		return services.NewNoopPublisher(), func() {}, nil
	}

	logger.Info("Publishing changes to Redis stream",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)),
		zap.String("stream", cfg.Redis.Stream))
	return services.NewRedisPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen, logger),
		func() { _ = client.Close() }, nil
}

// readCheckpoint reads the committed checkpoint for the health endpoint in a
// transaction of its own.
func readCheckpoint(tx repositories.Transactor, checkpoints repositories.CheckpointRepository) handlers.CheckpointFunc {
	return func(ctx context.Context) (*models.Checkpoint, error) {
		var cp *models.Checkpoint
		err := tx.InTransaction(ctx, func(ctx context.Context) error {
			var err error
			cp, err = checkpoints.Get(ctx)
			return err
		})
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return cp, err
	}
}

func newHTTPServer(cfg *config.Config, checkpoint handlers.CheckpointFunc, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, checkpoint, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
