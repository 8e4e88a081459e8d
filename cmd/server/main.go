// Package main provides the entry point for the lockbox server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockbox/internal/api"
	"github.com/kneutral-org/lockbox/internal/backend"
	dynamokv "github.com/kneutral-org/lockbox/internal/backend/dynamo"
	"github.com/kneutral-org/lockbox/internal/backend/memory"
	postgreskv "github.com/kneutral-org/lockbox/internal/backend/postgres"
	"github.com/kneutral-org/lockbox/internal/config"
	"github.com/kneutral-org/lockbox/internal/lock"
	"github.com/kneutral-org/lockbox/internal/logging"
	"github.com/kneutral-org/lockbox/internal/metrics"
	"github.com/kneutral-org/lockbox/internal/middleware"
	"github.com/kneutral-org/lockbox/internal/table"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger("lockbox", cfg.LogLevel)
	} else {
		logger = logging.NewLogger("lockbox", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tableCfg, err := table.New(
		table.WithName(cfg.TableName),
		table.WithPartitionKey(cfg.PartitionKey),
		table.WithSortKey(cfg.SortKey),
		table.WithTTLKey(cfg.TTLKey),
		table.WithTTL(cfg.TTL),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid lock table config")
	}

	kv, cleanup, err := newBackend(ctx, cfg, tableCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to initialize backend")
	}
	defer cleanup()

	coord := lock.NewCoordinator(kv, tableCfg, lock.WithLogger(logger))
	logger.Info().
		Str("backend", cfg.Backend).
		Str("table", tableCfg.Name).
		Str("owner", coord.OwnerName()).
		Msg("coordinator ready")

	var elector *lock.LeaderElector
	if cfg.LeaderLock != "" {
		group, id, ok := strings.Cut(cfg.LeaderLock, "/")
		if !ok || group == "" || id == "" {
			logger.Fatal().Str("leaderLock", cfg.LeaderLock).Msg("LEADER_LOCK must be of the form group/id")
		}
		elector = lock.NewLeaderElector(coord, group, id, logger,
			lock.WithOnBecomeLeader(func() {
				logger.Info().Str("leaderLock", cfg.LeaderLock).Msg("became leader")
			}),
			lock.WithOnLoseLeader(func() {
				logger.Warn().Str("leaderLock", cfg.LeaderLock).Msg("lost leadership")
			}),
		)
		elector.Start(ctx)
	}

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.GinMiddleware())
	router.Use(middleware.PayloadLimit(cfg.MaxPayloadSize, logger))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	metrics.RegisterMetricsEndpoint(router)

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	api.NewHandler(coord, logger).RegisterRoutes(apiV1)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if elector != nil {
		elector.Stop(shutdownCtx)
	}

	// Drop every held lock before exiting so other instances do not wait
	// out our leases.
	if err := coord.ReleaseAllLocks(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to release locks on shutdown")
	}

	logger.Info().Msg("server exited properly")
}

// newBackend builds the configured record store. The returned cleanup func
// closes any owned resources.
func newBackend(ctx context.Context, cfg *config.Config, tableCfg table.Config, logger zerolog.Logger) (backend.KV, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		kv := postgreskv.New(pool)
		if err := kv.EnsureTable(ctx, tableCfg.Name); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensuring lock table: %w", err)
		}
		if tableCfg.TTLEnabled() {
			go runTTLCleanup(ctx, kv, tableCfg, cfg.TTLCleanupInterval, logger)
		}
		return kv, pool.Close, nil

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
			}
		})
		return dynamokv.New(client), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// runTTLCleanup periodically removes expired records. DynamoDB evicts them
// natively; the Postgres backend needs the sweep.
func runTTLCleanup(ctx context.Context, kv *postgreskv.KV, tableCfg table.Config, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := kv.Cleanup(ctx, tableCfg.Name, tableCfg.TTLKey)
			if err != nil {
				logger.Error().Err(err).Msg("ttl cleanup failed")
				continue
			}
			if removed > 0 {
				metrics.TTLRecordsCleaned.Add(float64(removed))
				logger.Debug().Int64("removed", removed).Msg("ttl cleanup removed expired records")
			}
		}
	}
}
