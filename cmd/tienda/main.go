package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tienda-erp/tienda-erp/internal/app"
	"github.com/tienda-erp/tienda-erp/internal/catalog"
	"github.com/tienda-erp/tienda-erp/internal/ledger"
	"github.com/tienda-erp/tienda-erp/internal/observability"
	"github.com/tienda-erp/tienda-erp/internal/platform/cache"
	"github.com/tienda-erp/tienda-erp/internal/platform/db"
	"github.com/tienda-erp/tienda-erp/internal/purchases"
	"github.com/tienda-erp/tienda-erp/internal/shared"
	"github.com/tienda-erp/tienda-erp/internal/stock"
	"github.com/tienda-erp/tienda-erp/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	cacheService := cache.New(redisClient, logger, metrics)

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, cacheService, auditLogger, idempotencyStore, logger, stock.ServiceConfig{
		SummaryTTL: cfg.CacheSummaryTTL,
		BranchTTL:  cfg.CacheBranchTTL,
	})

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, cacheService, auditLogger, logger, ledger.ServiceConfig{
		BalanceTTL:   cfg.CacheLedgerTTL,
		MovementsTTL: cfg.CacheLedgerTTL,
	})

	purchasesRepo := purchases.NewRepository(pool)
	purchasesService := purchases.NewService(purchasesRepo, ledgerService, stockService, stockService.Barcodes(), cacheService, auditLogger, logger, purchases.ServiceConfig{
		PendingTTL: cfg.CachePendingTTL,
	})

	catalogRepo := catalog.NewRepository(pool)
	catalogService := catalog.NewService(catalogRepo, cacheService, auditLogger, logger, catalog.ServiceConfig{
		TreeTTL: cfg.CacheTreeTTL,
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		StockHandler:     stock.NewHandler(logger, stockService),
		PurchasesHandler: purchases.NewHandler(logger, purchasesService),
		LedgerHandler:    ledger.NewHandler(logger, ledgerService),
		CatalogHandler:   catalog.NewHandler(logger, catalogService),
		JobsHandler:      jobs.NewHandler(inspector, jobsClient, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
