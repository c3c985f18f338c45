package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/config"
	"github.com/wanfaliang/benchmarking/internal/api"
	"github.com/wanfaliang/benchmarking/internal/api/handler"
	"github.com/wanfaliang/benchmarking/internal/artifact"
	"github.com/wanfaliang/benchmarking/internal/collector"
	"github.com/wanfaliang/benchmarking/internal/database"
	"github.com/wanfaliang/benchmarking/internal/pkg/cron"
	"github.com/wanfaliang/benchmarking/internal/pkg/email"
	"github.com/wanfaliang/benchmarking/internal/pkg/jwt"
	"github.com/wanfaliang/benchmarking/internal/pkg/logger"
	"github.com/wanfaliang/benchmarking/internal/pkg/marketdata"
	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
	"github.com/wanfaliang/benchmarking/internal/pkg/pubsub"
	"github.com/wanfaliang/benchmarking/internal/pkg/ws"
	"github.com/wanfaliang/benchmarking/internal/repository"
	"github.com/wanfaliang/benchmarking/internal/sections"
	"github.com/wanfaliang/benchmarking/internal/service"
	"github.com/wanfaliang/benchmarking/internal/worker"
)

// @title           Benchmarking API
// @version         1.0
// @description     多公司财务对标分析服务
// @BasePath        /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description 格式: Bearer {token}
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		zlog.Fatal("Failed to connect database", zap.Error(err))
	}
	if err := database.AutoMigrate(db); err != nil {
		zlog.Fatal("Failed to migrate database", zap.Error(err))
	}
	zlog.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()
	hub := ws.NewHub(zlog, m)

	// 进度事件默认直接进 Hub；启用 Redis 时经频道转发，多实例都能收到
	var notifier worker.Notifier = hub
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			zlog.Fatal("Failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()

		notifier = pubsub.NewPublisher(rdb, cfg.Redis.Channel, zlog)
		subscriber := pubsub.NewSubscriber(rdb, cfg.Redis.Channel, zlog)
		ready := make(chan struct{})
		relayErr := make(chan error, 1)
		go func() {
			relayErr <- subscriber.Relay(ctx, ready, hub)
		}()
		select {
		case <-ready:
			zlog.Info("Redis event relay started", zap.String("channel", cfg.Redis.Channel))
		case err := <-relayErr:
			zlog.Fatal("Failed to subscribe event channel", zap.Error(err))
		}
		go func() {
			if err := <-relayErr; err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("Event relay stopped", zap.Error(err))
			}
		}()
	}

	// 初始化 Repository
	userRepo := repository.NewUserRepository(db)
	analysisRepo := repository.NewAnalysisRepository(db)
	sectionRepo := repository.NewSectionRepository(db)

	store := artifact.NewStore(cfg.Storage.DataDir)
	runner := worker.NewRunner(time.Duration(cfg.Worker.CancelGraceSeconds)*time.Second, zlog, m)

	source := marketdata.NewClient(cfg.MarketData.APIKey,
		marketdata.WithBaseURL(cfg.MarketData.BaseURL),
		marketdata.WithRateLimit(cfg.MarketData.RateLimit),
		marketdata.WithTimeout(time.Duration(cfg.MarketData.TimeoutSeconds)*time.Second),
		marketdata.WithBreaker(uint32(cfg.MarketData.BreakerFailures), time.Minute),
		marketdata.WithLogger(zlog),
		marketdata.WithMetrics(m),
	)
	pipeline := worker.NewPipeline(analysisRepo, sectionRepo, store,
		collector.New(source, store, zlog), sections.Default(), notifier, zlog, m)

	mailer := email.NewService(&cfg.Email)
	pipeline.SetFinishHook(service.NewReportNotifier(userRepo, sectionRepo, mailer, hub, zlog).Finished)

	// 初始化 Service
	authService := service.NewAuthService(userRepo, &cfg.JWT, mailer, zlog)
	analysisService := service.NewAnalysisService(analysisRepo, sectionRepo, store, runner, pipeline, notifier, zlog, m)
	analysisService.SetInstance(cfg.Worker.InstanceID,
		time.Duration(cfg.Worker.HeartbeatSeconds)*time.Second,
		time.Duration(cfg.Worker.StaleAfterSeconds)*time.Second)
	zlog.Info("Worker instance", zap.String("instance_id", analysisService.InstanceID()))

	recovered, err := analysisService.RecoverInterrupted(ctx, false)
	if err != nil {
		zlog.Error("Failed to recover interrupted analyses", zap.Error(err))
	} else if recovered > 0 {
		zlog.Warn("Marked interrupted analyses as failed", zap.Int("count", recovered))
	}

	cleanup := cron.NewService(cfg.Cron.CleanupSpec, analysisService, zlog)
	if err := cleanup.Start(); err != nil {
		zlog.Fatal("Failed to start cron", zap.Error(err))
	}

	verifier := jwt.NewVerifier(cfg.JWT.Secret, time.Duration(cfg.JWT.CacheTTLSeconds)*time.Second)

	// 初始化 Handler
	authHandler := handler.NewAuthHandler(authService)
	analysisHandler := handler.NewAnalysisHandler(analysisService, zlog)
	websocketHandler := handler.NewWebSocketHandler(hub, verifier, authService, analysisService,
		cfg.CORS.AllowedOrigins, zlog)
	healthHandler := handler.NewHealthHandler(db, hub, runner)

	router := api.NewRouter(authHandler, analysisHandler, websocketHandler, healthHandler,
		verifier, m, zlog, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP shutdown failed", zap.Error(err))
	}
	cleanup.Stop()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Background tasks did not stop in time", zap.Error(err))
	}
	zlog.Info("Server stopped")
}
