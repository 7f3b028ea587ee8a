// Bursar is the credits service: it keeps the credit ledger, premium unlock
// grants, and per-role request quotas for the pattern catalog.
package main

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"patternhub/api_credits/internal/cache"
	"patternhub/api_credits/internal/handlers"
	"patternhub/api_credits/internal/ledger"
	"patternhub/api_credits/internal/notify"
	"patternhub/api_credits/internal/quota"
	"patternhub/api_credits/internal/unlocks"
	"patternhub/api_credits/pkg/auth"
	"patternhub/api_credits/pkg/config"
	"patternhub/api_credits/pkg/database"
	"patternhub/api_credits/pkg/logging"
	"patternhub/api_credits/pkg/monitoring"
	"patternhub/api_credits/pkg/redis"
	"patternhub/api_credits/pkg/server"
)

var (
	version = "dev"
	commit  = "none"
)

const serviceName = "bursar"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	databaseURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	dbCfg := database.DefaultConfig()
	dbCfg.URL = databaseURL
	db := database.MustConnect(dbCfg, logger)
	defer db.Close() //nolint:errcheck

	if config.GetEnvBool("DB_AUTO_MIGRATE", true) {
		if err := database.ApplySchema(context.Background(), db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Redis is optional. Without it the service runs with caching and quota
	// enforcement disabled and health reports degraded.
	var redisClient goredis.UniversalClient
	if redisCfg := redis.ConfigFromEnv(); len(redisCfg.Addrs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redis.NewUniversalClient(ctx, redisCfg)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable; caching and quotas disabled")
		} else {
			redisClient = client
			defer client.Close() //nolint:errcheck
		}
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":  databaseURL,
		"JWT_SECRET":    jwtSecret,
		"SERVICE_TOKEN": serviceToken,
	}))

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version, commit)
	metrics := handlers.NewMetrics(metricsCollector)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if redisClient != nil {
		notifier = notify.NewPubSubNotifier(redisClient, logger)
	}

	h := handlers.NewHandlers(
		ledger.NewService(db, logger),
		unlocks.NewRegistry(db, logger),
		cache.New(redisClient, logger).WithLookupCounter(metrics.CacheLookups),
		quota.NewLimiter(redisClient, logger, nil),
		notifier,
		logger,
		metrics,
	)

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)

	resolver := auth.NewJWTResolver([]byte(jwtSecret))
	userRoutes := router.Group("/", auth.AuthMiddleware(resolver), h.QuotaMiddleware())
	serviceRoutes := router.Group("/", auth.ServiceAuthMiddleware(serviceToken))
	h.RegisterRoutes(userRoutes, serviceRoutes)

	cfg := server.DefaultConfig(serviceName, "8085")
	if err := server.Start(cfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}
