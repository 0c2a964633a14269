package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askledger/askledger/internal/api"
	"github.com/askledger/askledger/internal/audit"
	auditarchive "github.com/askledger/askledger/internal/audit/archive"
	auditpostgres "github.com/askledger/askledger/internal/audit/postgres"
	"github.com/askledger/askledger/internal/auth"
	"github.com/askledger/askledger/internal/classify"
	"github.com/askledger/askledger/internal/config"
	"github.com/askledger/askledger/internal/format"
	"github.com/askledger/askledger/internal/nl2sql"
	"github.com/askledger/askledger/internal/observability"
	"github.com/askledger/askledger/internal/pipeline"
	querypostgres "github.com/askledger/askledger/internal/query/postgres"
	"github.com/askledger/askledger/internal/rewrite"
	"github.com/askledger/askledger/internal/schema"
	schemapostgres "github.com/askledger/askledger/internal/schema/postgres"
	"github.com/askledger/askledger/internal/sqlguard"
	s3store "github.com/askledger/askledger/internal/storage/s3"
	storepostgres "github.com/askledger/askledger/internal/store/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("askledger-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	storeDB, err := openDB(cfg.Store, "store")
	if err != nil {
		logger.Error("failed to open store db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = storeDB.Close() }()

	source, err := schemapostgres.NewSource(storeDB, schemapostgres.SourceConfig{
		SchemaName:     cfg.Pipeline.SchemaName,
		TenantColumn:   cfg.Pipeline.TenantColumn,
		ExcludedTables: cfg.Pipeline.ExcludedTables,
		SharedTables:   cfg.Pipeline.SharedTables,
	})
	if err != nil {
		logger.Error("failed to initialize schema source", slog.Any("error", err))
		os.Exit(1)
	}
	schemas, err := schema.NewCache(source, schema.CacheConfig{
		TTL:            cfg.Pipeline.SchemaTTL,
		RefreshTimeout: cfg.Pipeline.SchemaFetchTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialize schema cache", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckDatabase("store", storeDB.PingContext)}

	recorder, closeAudit, auditChecks, err := buildAudit(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize audit trail", slog.Any("error", err))
		os.Exit(1)
	}
	readiness = append(readiness, auditChecks...)

	var asker api.Asker
	if cfg.AI.Enabled {
		orchestrator, err := buildOrchestrator(cfg, logger, storeDB, schemas, recorder)
		if err != nil {
			logger.Error("failed to initialize ask pipeline", slog.Any("error", err))
			os.Exit(1)
		}
		asker = orchestrator
	} else {
		logger.Warn("ai disabled; /v1/ask will answer 501")
	}

	deps := api.Dependencies{
		Logger:            logger,
		Asker:             asker,
		Schemas:           schemas,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	shutdownErr := server.Shutdown(shutdownCtx)
	// In-flight runs have finished submitting; drain what is queued.
	if err := closeAudit(shutdownCtx); err != nil {
		logger.Error("audit drain incomplete", slog.Any("error", err))
	}
	if shutdownErr != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", shutdownErr))
		_ = server.Close()
		os.Exit(1)
	}
}

func openDB(dbCfg config.DatabaseConfig, name string) (*sql.DB, error) {
	return storepostgres.Open(context.Background(), storepostgres.DBConfig{
		Name:            name,
		DSN:             dbCfg.DSN,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxIdleTime: dbCfg.ConnMaxIdleTime,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
	})
}

// buildAudit wires the catalog sink and, when enabled, the Parquet archive
// behind one dispatcher. The returned close func drains the queue.
func buildAudit(cfg config.Config, logger *slog.Logger) (audit.Recorder, func(context.Context) error, []api.ReadinessCheck, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Audit.Enabled {
		return audit.Discard{}, noop, nil, nil
	}

	catalogDB, err := openDB(cfg.Catalog, "catalog")
	if err != nil {
		return nil, noop, nil, err
	}
	catalogSink, err := auditpostgres.NewSink(catalogDB)
	if err != nil {
		_ = catalogDB.Close()
		return nil, noop, nil, err
	}
	sinks := audit.Fanout{catalogSink}
	checks := []api.ReadinessCheck{api.CheckDatabase("catalog", catalogDB.PingContext)}

	if cfg.Audit.ArchiveEnabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			_ = catalogDB.Close()
			return nil, noop, nil, err
		}
		archiveSink, err := auditarchive.NewSink(objectStore)
		if err != nil {
			_ = catalogDB.Close()
			return nil, noop, nil, err
		}
		sinks = append(sinks, archiveSink)
		checks = append(checks, api.CheckObjectStore(objectStore.Ping))
	}

	dispatcher, err := audit.NewDispatcher(sinks, audit.DispatcherConfig{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = catalogDB.Close()
		return nil, noop, nil, err
	}
	closeFn := func(ctx context.Context) error {
		defer func() { _ = catalogDB.Close() }()
		return dispatcher.Close(ctx)
	}
	return dispatcher, closeFn, checks, nil
}

func buildOrchestrator(cfg config.Config, logger *slog.Logger, storeDB *sql.DB, schemas *schema.Cache, recorder audit.Recorder) (*pipeline.Orchestrator, error) {
	client, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		return nil, err
	}
	var judge nl2sql.Judge
	if cfg.AI.JudgeEnabled {
		judge = client
	}

	validator, err := sqlguard.NewValidator(sqlguard.Policy{
		AllowedStatements: cfg.Pipeline.AllowedStatements,
		TenantColumn:      cfg.Pipeline.TenantColumn,
		SchemaName:        cfg.Pipeline.SchemaName,
	})
	if err != nil {
		return nil, err
	}
	controller, err := rewrite.NewController(client, validator, cfg.Pipeline.MaxAttempts, logger)
	if err != nil {
		return nil, err
	}
	gateway, err := querypostgres.NewGateway(storeDB, querypostgres.Config{
		TenantSetting:    cfg.Pipeline.TenantSetting,
		StatementTimeout: cfg.Pipeline.StatementTimeout,
		DefaultRowLimit:  cfg.Pipeline.RowLimit,
	}, logger)
	if err != nil {
		return nil, err
	}

	return pipeline.NewOrchestrator(pipeline.Config{
		RequestTimeout: cfg.Pipeline.RequestTimeout,
		RowLimit:       cfg.Pipeline.RowLimit,
	}, pipeline.Dependencies{
		Schemas:    schemas,
		Drafter:    client,
		Classifier: classify.New(judge, cfg.Pipeline.ConfidenceThreshold, logger),
		Rewriter:   controller,
		Gateway:    gateway,
		Formatter:  format.New(cfg.Pipeline.PreviewRows),
		Audit:      recorder,
		Logger:     logger,
	})
}
