package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/wanfaliang/benchmarking/config"
	_ "github.com/wanfaliang/benchmarking/docs"
	"github.com/wanfaliang/benchmarking/internal/api/handler"
	"github.com/wanfaliang/benchmarking/internal/api/middleware"
	"github.com/wanfaliang/benchmarking/internal/pkg/metrics"
)

type Router struct {
	authHandler      *handler.AuthHandler
	analysisHandler  *handler.AnalysisHandler
	websocketHandler *handler.WebSocketHandler
	healthHandler    *handler.HealthHandler
	verifier         middleware.TokenVerifier
	metrics          *metrics.Registry
	logger           *zap.Logger
	cfg              *config.Config
}

func NewRouter(
	authHandler *handler.AuthHandler,
	analysisHandler *handler.AnalysisHandler,
	websocketHandler *handler.WebSocketHandler,
	healthHandler *handler.HealthHandler,
	verifier middleware.TokenVerifier,
	m *metrics.Registry,
	logger *zap.Logger,
	cfg *config.Config,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		authHandler:      authHandler,
		analysisHandler:  analysisHandler,
		websocketHandler: websocketHandler,
		healthHandler:    healthHandler,
		verifier:         verifier,
		metrics:          m,
		logger:           logger,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(r.logger))
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", r.healthHandler.Health)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	if r.cfg.Metrics.Enabled && r.metrics != nil {
		engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	// WebSocket 在握手后自行鉴权，不走认证中间件
	engine.GET("/ws/analysis/:id", r.websocketHandler.Handle)

	api := engine.Group("/api/v1")
	{
		// 公开接口 - 认证
		auth := api.Group("/auth")
		{
			auth.POST("/register", r.authHandler.Register)
			auth.POST("/login", r.authHandler.Login)
		}

		// 需要认证的接口
		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.verifier))
		{
			authenticated.GET("/auth/me", r.authHandler.Me)

			analyses := authenticated.Group("/analyses")
			{
				analyses.POST("", r.analysisHandler.Create)
				analyses.GET("", r.analysisHandler.List)
				analyses.GET("/:id", r.analysisHandler.Get)
				analyses.PATCH("/:id", r.analysisHandler.Rename)
				analyses.PUT("/:id", r.analysisHandler.Update)
				analyses.DELETE("/:id", r.analysisHandler.Delete)
				analyses.GET("/:id/status", r.analysisHandler.Status)

				// 生命周期
				analyses.POST("/:id/start-collection", r.analysisHandler.StartCollection)
				analyses.POST("/:id/start-analysis", r.analysisHandler.StartAnalysis)
				analyses.POST("/:id/restart-analysis", r.analysisHandler.RestartAnalysis)
				analyses.POST("/:id/reset", r.analysisHandler.Reset)

				// 报告与产物
				analyses.GET("/:id/sections", r.analysisHandler.ListSections)
				analyses.GET("/:id/sections/:n", r.analysisHandler.GetSection)
				analyses.GET("/:id/download/raw-data", r.analysisHandler.DownloadRawData)
			}
		}
	}

	return engine
}
