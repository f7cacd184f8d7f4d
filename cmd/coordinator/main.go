package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gidigo/ride-coordinator/internal/bridge"
	"github.com/gidigo/ride-coordinator/internal/coordinator"
	"github.com/gidigo/ride-coordinator/internal/realtime"
	"github.com/gidigo/ride-coordinator/internal/ridehistory"
	"github.com/gidigo/ride-coordinator/internal/session"
	"github.com/gidigo/ride-coordinator/internal/simulation"
	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/config"
	"github.com/gidigo/ride-coordinator/pkg/database"
	"github.com/gidigo/ride-coordinator/pkg/errors"
	"github.com/gidigo/ride-coordinator/pkg/eventbus"
	"github.com/gidigo/ride-coordinator/pkg/httpclient"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/middleware"
	"github.com/gidigo/ride-coordinator/pkg/pubsub"
	"github.com/gidigo/ride-coordinator/pkg/ratelimit"
	redisclient "github.com/gidigo/ride-coordinator/pkg/redis"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/gidigo/ride-coordinator/pkg/tracing"
	ws "github.com/gidigo/ride-coordinator/pkg/websocket"
)

const (
	serviceName = "ride-coordinator"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting ride coordinator",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.String("dispatch_backend", cfg.Dispatch.Backend),
		zap.String("session_persistence", cfg.Session.Persistence),
	)

	// Initialize Sentry for error tracking
	sentryConfig := errors.DefaultSentryConfig(serviceName)
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
	}

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.Config{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			Enabled:        true,
		}, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
			logger.Info("OpenTelemetry tracing initialized")
		}
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    cfg.Resilience.Retry.MaxAttempts,
		InitialBackoff: cfg.Resilience.Retry.InitialBackoff,
		MaxBackoff:     cfg.Resilience.Retry.MaxBackoff,
	}
	healthChecks := make(map[string]common.Checker)

	var redisClient *redisclient.Client
	if cfg.PubSub.Backend == config.BackendRedis || cfg.Session.Persistence == config.BackendRedis {
		redisClient, err = redisclient.NewRedisClient(&cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}()
		healthChecks["redis"] = redisClient.HealthCheck
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.RedisAddr()))
	}

	var bus *eventbus.Bus
	if cfg.PubSub.Backend == config.BackendNATS || cfg.Dispatch.Backend == config.BackendNATS {
		bus, err = eventbus.New(eventbus.Config{
			URL:        cfg.NATS.URL,
			Name:       serviceName,
			StreamName: cfg.NATS.StreamName,
		})
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
		healthChecks["nats"] = bus.HealthCheck
	}

	// Realtime channel transport
	var backend pubsub.Backend
	switch cfg.PubSub.Backend {
	case config.BackendRedis:
		backend = pubsub.NewRedisBackend(redisClient.Client, cfg.PubSub.ReconnectInitial, cfg.PubSub.ReconnectMax, logger.Named("pubsub"))
	case config.BackendNATS:
		backend = pubsub.NewNATSBackend(bus.Conn(), logger.Named("pubsub"))
	case config.BackendMQTT:
		backend = pubsub.NewMQTTBackend(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, byte(cfg.MQTT.QoS), logger.Named("pubsub"))
	default:
		backend = pubsub.NewMemoryBackend()
	}
	transport := pubsub.NewClient(backend, pubsub.WithRetry(retryCfg), pubsub.WithLogger(logger.Get()))
	if err := transport.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start realtime transport", zap.Error(err), zap.String("backend", backend.Name()))
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("Failed to close realtime transport", zap.Error(err))
		}
	}()

	// Session markers
	var persister session.Persister = session.NewMemoryPersister()
	if cfg.Session.Persistence == config.BackendRedis {
		persister = session.NewRedisPersister(redisClient.Client, cfg.Session.KeyPrefix, cfg.Session.TTL)
	}

	// Driver movement
	var mover bridge.Mover
	if cfg.Simulation.Enabled {
		scheduler := simulation.NewScheduler(cfg.Simulation.TickInterval, cfg.Simulation.StepMeters, logger.Named("simulation"))
		go scheduler.Run(rootCtx)
		defer scheduler.Stop()
		mover = scheduler
		logger.Info("Driver movement simulation enabled",
			zap.Duration("tick", cfg.Simulation.TickInterval),
			zap.Float64("step_meters", cfg.Simulation.StepMeters),
		)
	}

	// Dispatch
	var dispatchers coordinator.DispatcherFactory
	switch cfg.Dispatch.Backend {
	case config.BackendNATS:
		dispatchers = coordinator.SharedDispatcher(bridge.NewEventBusDispatcher(bus, retryCfg))
	case config.BackendKafka:
		kafka := bridge.NewKafkaDispatcher(bridge.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), retryCfg)
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("Failed to close kafka writer", zap.Error(err))
			}
		}()
		dispatchers = coordinator.SharedDispatcher(kafka)
	case config.BackendHTTP:
		opts := []httpclient.Option{httpclient.WithRetry(retryCfg)}
		if cfg.Resilience.CircuitBreaker.Enabled {
			cb := cfg.Resilience.CircuitBreaker.SettingsFor("dispatch")
			breaker := resilience.NewCircuitBreaker(
				resilience.BuildSettings("dispatch", cb.IntervalSeconds, cb.TimeoutSeconds, cb.FailureThreshold, cb.SuccessThreshold),
				nil,
			)
			opts = append(opts, httpclient.WithCircuitBreaker(breaker))
		}
		refresher := coordinator.NewHTTPRefresher(cfg.Dispatch.RefreshURL, cfg.Dispatch.Timeout)
		dispatchers = coordinator.HTTPDispatchers(cfg.Dispatch.URL, cfg.Dispatch.Timeout, refresher, opts...)
	default:
		dispatchers = coordinator.SharedDispatcher(bridge.NopDispatcher{})
	}

	// Surface gateway
	hub := ws.NewHub(logger.Get())
	go hub.Run(rootCtx)

	manager := coordinator.NewManager(coordinator.Config{
		Transport:   transport,
		Persister:   persister,
		Notifier:    realtime.NewHubNotifier(hub, logger.Get()),
		Dispatchers: dispatchers,
		Mover:       mover,
		Logger:      logger.Get(),
	})
	gateway := realtime.NewService(hub, manager, logger.Get())
	if redisClient != nil && cfg.RateLimit.Enabled {
		gateway.SetThrottle(ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit))
		logger.Info("Surface action rate limiting enabled",
			zap.Int("limit", cfg.RateLimit.Limit),
			zap.Duration("window", cfg.RateLimit.Window),
		)
	}
	upgrader := ws.NewUpgrader(middleware.SplitOrigins(cfg.Server.CORSOrigins), logger.Get())
	gatewayHandler := realtime.NewHandler(gateway, upgrader, logger.Get())

	// Trip history
	var (
		db   *sql.DB
		repo ridehistory.Repository
	)
	if cfg.Database.Enabled {
		db, err = database.Open(rootCtx, &cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer database.Close(db)
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(db, ridehistory.Migrations, "migrations", logger.Get()); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		healthChecks["database"] = db.PingContext
		repo = ridehistory.NewPostgresRepository(db)
		logger.Info("Trip history backed by PostgreSQL")
	} else {
		repo = ridehistory.NewMemoryRepository(ridehistory.SampleTrips()...)
		logger.Info("Trip history backed by in-memory sample data")
	}
	historyService := ridehistory.NewService(repo, logger.Get())
	historyHandler := ridehistory.NewHandler(historyService)

	if bus != nil {
		recorder := ridehistory.NewRecorder(historyService, logger.Get())
		if err := recorder.Start(rootCtx, bus); err != nil {
			logger.Fatal("Failed to subscribe trip recorder", zap.Error(err))
		}
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(serviceName))
	}
	router.Use(middleware.ErrorHandler())

	router.GET("/health/live", common.LivenessProbe(serviceName, version))
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"version": version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket stays outside the request timeout, which buffers responses.
	router.GET("/ws", middleware.AuthMiddleware(cfg.JWT.Secret), middleware.SentryUser(), gatewayHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	api.Use(middleware.SentryUser())
	gatewayHandler.RegisterRoutes(api)
	historyHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	manager.Shutdown(ctx)
	cancelRoot()

	logger.Info("Server stopped", zap.Int("open_connections", hub.ClientCount()))
}
