package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carequeue/servicequeues/internal/adapters/cache"
	"github.com/carequeue/servicequeues/internal/adapters/events"
	"github.com/carequeue/servicequeues/internal/api/handlers"
	"github.com/carequeue/servicequeues/internal/api/routes"
	"github.com/carequeue/servicequeues/internal/application/services"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/clients/openmrs"
	"github.com/carequeue/servicequeues/internal/infrastructure/clients/redis"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	queryadapters "github.com/carequeue/servicequeues/internal/query/adapters"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
	"github.com/carequeue/servicequeues/internal/query/swr"
	"github.com/carequeue/servicequeues/pkg/config"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.InitLogger("service-queues", "production")
		observability.GetLogger().Fatal().Err(err).Msg("failed to load configuration")
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Environment)
	logger := observability.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			logger.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	instanceID := uuid.NewString()
	queueServer := openmrs.NewClient(&cfg.QueueServer)

	// Redis is optional: without it reference data is not shared and the
	// event stream only reaches this instance's clients
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.RedisAddr()).Msg("redis unavailable, continuing without it")
			redisClient = nil
		} else {
			defer redisClient.Close()
			logger.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("redis client initialized")
		}
	}

	var (
		cacheProvider providers.CacheProvider
		eventBus      providers.EventBus
	)
	if redisClient != nil {
		cacheProvider = cache.NewRedisAdapter(redisClient, "service-queues:")
		eventBus = events.NewRedisEventBus(redisClient)
	} else {
		eventBus = events.NewMemoryEventBus()
	}

	readCache := swr.New(swr.Options{
		DedupInterval: cfg.Cache.DedupInterval,
		FetchTimeout:  cfg.Cache.FetchTimeout,
		Metrics:       metrics,
	})
	queryService := querysvc.NewQueueQueryService(
		queueServer,
		readCache,
		queryadapters.NewQueryCacheAdapter(cacheProvider),
		cfg.Concepts,
		cfg.Cache.ReferenceDataTTL,
	)

	go services.NewCacheWarmingService(queryService).StartPeriodicWarming(ctx, cfg.Cache.WarmInterval)

	transitionService := services.NewTransitionService(
		queueServer,
		services.NewTransitionStore(time.Hour),
		queryService,
		queryService,
		eventBus,
		services.TransitionOptions{
			InstanceID: instanceID,
			Metrics:    metrics,
		},
	)

	var cacheInvalidationService *services.CacheInvalidationService
	if redisClient != nil {
		cacheInvalidationService = services.NewCacheInvalidationService(queryService, eventBus, instanceID)
		if err := cacheInvalidationService.Start(); err != nil {
			logger.Warn().Err(err).Msg("failed to start cache invalidation service")
			cacheInvalidationService = nil
		}
	}

	router := routes.NewRouter(
		handlers.NewQueueHandler(queryService),
		handlers.NewTransitionHandler(transitionService),
		handlers.NewSSEHandler(eventBus),
		queryService,
		cfg.Server.AllowedOrigins,
		metrics,
	)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// no write timeout: event streams stay open
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("instance_id", instanceID).
			Str("queue_server", cfg.QueueServer.BaseURL).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("server shutting down")

	// closing the bus ends open event streams so Shutdown can finish
	if err := eventBus.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing event bus")
	}
	if cacheInvalidationService != nil {
		cacheInvalidationService.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during server shutdown")
	}

	for _, t := range transitionService.PendingTransitions() {
		logger.Warn().
			Str("entry_id", t.EntryID).
			Str("visit_id", t.VisitID).
			Str("next_queue_id", t.Next.QueueID).
			Msg("shutting down with a patient closed out but not yet queued")
	}

	logger.Info().Msg("server stopped")
}
