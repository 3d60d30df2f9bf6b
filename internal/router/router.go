// internal/router/router.go
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/events"
	"github.com/javajoker/imi-ledger/internal/handlers"
	"github.com/javajoker/imi-ledger/internal/i18n"
	"github.com/javajoker/imi-ledger/internal/locking"
	"github.com/javajoker/imi-ledger/internal/metrics"
	"github.com/javajoker/imi-ledger/internal/middleware"
	"github.com/javajoker/imi-ledger/internal/services"
	"github.com/javajoker/imi-ledger/internal/utils"
)

const version = "1.0.0"

// App is the wired HTTP engine together with the background pieces the
// server command has to run and shut down.
type App struct {
	Engine *gin.Engine
	Events *services.EventService

	publisher   events.Publisher
	redisClient *redis.Client
}

// Close releases the event publisher and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.redisClient != nil {
		errs = append(errs, a.redisClient.Close())
	}
	return errors.Join(errs...)
}

func newLocker(cfg *config.Config) (locking.Locker, *redis.Client) {
	local := locking.NewLocalLocker()
	if !cfg.Redis.Enabled {
		return local, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// The local lock serialises goroutines in this process so only one of
	// them polls Redis at a time.
	return locking.Chain{local, locking.NewRedisLocker(client, locking.WithTTL(cfg.Redis.LockTTL))}, client
}

func newPublisher(cfg *config.Config, logger *logrus.Logger) (events.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return events.NewLogPublisher(logger), nil
	}
	return events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}, logger)
}

func Initialize(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	utils.SetJWTSecret(cfg.JWT.SecretKey)
	utils.SetJWTIssuer(cfg.JWT.Issuer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ledgerMetrics := metrics.New(registry)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	locker, redisClient := newLocker(cfg)

	// Initialize services
	store := services.NewOwnershipStore(db)
	eventService := services.NewEventService(db, publisher, ledgerMetrics)
	ownershipService := services.NewOwnershipService(db, store, locker, eventService, ledgerMetrics, cfg.Ledger)
	disputeService := services.NewDisputeService(ownershipService, cfg.Ledger)
	archiveService, err := services.NewArchiveService(store, cfg.AWS)
	if err != nil {
		publisher.Close()
		return nil, err
	}

	// Initialize handlers
	ownershipHandler := handlers.NewOwnershipHandler(ownershipService, eventService, archiveService)
	disputeHandler := handlers.NewDisputeHandler(disputeService)

	generalLimit := middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	writeLimit := middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.WriteBurst)

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.I18nMiddleware())
	r.Use(middleware.Metrics(ledgerMetrics))
	r.Use(generalLimit.Middleware())
	r.Use(middleware.AuditLogMiddleware(db))

	r.GET("/health", healthHandler(db))
	r.NoRoute(func(c *gin.Context) {
		utils.NotFoundResponse(c, "route")
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}

	v1 := r.Group("/v1")
	{
		ownership := v1.Group("/ownership")
		{
			ownership.POST("/validate", middleware.OptionalAuth(), ownershipHandler.ValidateSplit)

			// Reads
			ownership.GET("/assets/:assetId/owners", middleware.OptionalAuth(), ownershipHandler.GetOwners)
			ownership.GET("/assets/:assetId/history", middleware.OptionalAuth(), ownershipHandler.GetHistory)
			ownership.GET("/assets/:assetId/distribution", middleware.OptionalAuth(), ownershipHandler.GetDistribution)
			ownership.GET("/records/:id", middleware.OptionalAuth(), ownershipHandler.GetRecord)

			// Authenticated writes
			protected := ownership.Group("")
			protected.Use(middleware.AuthRequired(), writeLimit.WritesOnly())
			{
				protected.PUT("/assets/:assetId/owners", ownershipHandler.SetOwners)
				protected.POST("/assets/:assetId/transfers", ownershipHandler.Transfer)
				protected.POST("/records/:id/dispute", disputeHandler.Flag)
			}

			// Admin routes
			admin := ownership.Group("")
			admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), writeLimit.WritesOnly())
			{
				admin.POST("/records/:id/resolve", disputeHandler.Resolve)
				admin.GET("/disputes", disputeHandler.List)
				admin.GET("/assets/:assetId/verify", ownershipHandler.Verify)
				admin.GET("/assets/:assetId/events", ownershipHandler.GetEvents)
				admin.POST("/assets/:assetId/archive", ownershipHandler.Archive)
			}
		}
	}

	return &App{
		Engine:      r,
		Events:      eventService,
		publisher:   publisher,
		redisClient: redisClient,
	}, nil
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := database.Ping(ctx, db); err != nil {
			logrus.WithError(err).Warn("Health check failed")
			utils.ServiceUnavailableResponse(c, "")
			return
		}

		lang := utils.GetLangFromContext(c)
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"database": "ok",
			"message":  i18n.T(lang, i18n.KeyHealthy),
			"version":  version,
		})
	}
}
