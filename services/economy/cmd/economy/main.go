package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/promptmarket/economy/libs/health"
	"github.com/promptmarket/economy/libs/httpmiddleware"
	"github.com/promptmarket/economy/libs/kafka"
	"github.com/promptmarket/economy/libs/logging"
	"github.com/promptmarket/economy/libs/metrics"
	"github.com/promptmarket/economy/libs/trace"
	"github.com/promptmarket/economy/services/economy/internal/config"
	"github.com/promptmarket/economy/services/economy/internal/consumer"
	"github.com/promptmarket/economy/services/economy/internal/events"
	"github.com/promptmarket/economy/services/economy/internal/fraud"
	"github.com/promptmarket/economy/services/economy/internal/handlers"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/promptmarket/economy/services/economy/internal/rate"
	"github.com/promptmarket/economy/services/economy/internal/rewards"
	"github.com/promptmarket/economy/services/economy/internal/scheduler"
	"github.com/promptmarket/economy/services/economy/internal/session"
	"github.com/promptmarket/economy/services/economy/internal/storage"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), cfg.App.ServiceName, cfg.App.Env, cfg.App.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTP(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.NewPostgres(pool, logging.Component(logger, "storage"))
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Error("db migration failed", "error", err)
		os.Exit(1)
	}
	ready.AddCheck("postgres", store.Ping)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	loginLimiter := rate.NewFallback(
		rate.NewRedisLimiter(redisClient, cfg.Sessions.LoginRateLimit, cfg.Sessions.LoginRateWindow, rate.DefaultRedisPrefix),
		rate.NewMemory(cfg.Sessions.LoginRateLimit, cfg.Sessions.LoginRateWindow),
		logging.Component(logger, "rate"),
	)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger).WithMetrics(kafkaMetrics)
	}
	emitter := events.NewEmitter(publisher, cfg.Kafka.Topics.Audit, cfg.App.ServiceName, logging.Component(logger, "events"))

	fraudService := fraud.NewService(store, store, emitter, logging.Component(logger, "fraud"), fraud.NewMetrics(registry))
	ledgerService := ledger.NewService(store, fraudService, emitter, cfg.Packages, logging.Component(logger, "ledger"), ledger.NewMetrics(registry))
	sessionService := session.NewService(store, fraudService, emitter, cfg.Sessions.MaxDevices, logging.Component(logger, "session"), session.NewMetrics(registry))
	rewardService := rewards.NewService(fraudService, ledgerService, rewards.Config{
		SignupAmount:   cfg.Rewards.SignupBonus,
		ReferralAmount: cfg.Rewards.ReferralBonus,
		BonusTTL:       cfg.Rewards.BonusTTL,
	}, logging.Component(logger, "rewards"))

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()
	registrations := consumer.NewRegistrationConsumer(ledgerService, fraudService, rewardService, logging.Component(logger, "consumer"))

	jobs := scheduler.New(logging.Component(logger, "scheduler"), scheduler.NewMetrics(registry))
	if err := jobs.Add("device_cleanup", cfg.Schedule.DeviceCleanup, func(ctx context.Context) error {
		_, err := sessionService.Cleanup(ctx)
		return err
	}); err != nil {
		logger.Error("schedule device cleanup failed", "error", err)
		os.Exit(1)
	}
	if err := jobs.Add("credit_expiry", cfg.Schedule.CreditExpiry, func(ctx context.Context) error {
		_, err := ledgerService.ExpireDue(ctx)
		return err
	}); err != nil {
		logger.Error("schedule credit expiry failed", "error", err)
		os.Exit(1)
	}

	api := handlers.New(ledgerService, fraudService, sessionService, loginLimiter, cfg.AdminKeys, logging.Component(logger, "http"))
	httpServer := buildHTTPServer(cfg, api, ready, registry, httpMetrics, logger)

	ready.SetReady(true)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		logger.Info("economy http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("registration consumer starting", "topic", cfg.Kafka.Topics.UsersRegistered)
		if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.UsersRegistered}, registrations); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	jobs.Start()

	waitForShutdown(cfg.ShutdownTimeout, httpServer, jobs, ready, consumerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, api *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, httpMetrics *metrics.HTTP, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	api.Register(router, []byte(cfg.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(timeout time.Duration, httpServer *http.Server, jobs *scheduler.Scheduler, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	if err := jobs.Stop(ctx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
