package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swarm/api"
	"swarm/config"
	"swarm/core"
	"swarm/handler"
	"swarm/logging"
	"swarm/metrics"
	"swarm/router"
)

const shutdownTimeout = 30 * time.Second

func runRouter(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	// 收到中断信号时取消根 Context，优雅关闭所有后台协程
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 初始化注册中心
	registry := core.NewRegistry(ctx, logger.With().Str("component", "registry").Logger(), cfg.Router.SessionTimeout.D())

	// 2. 初始化调度器
	dispatcher := router.NewLeastLoadedRouter(cfg.Router.DefaultModel)

	// 3. 初始化 API Key 白名单
	keyRing := core.NewKeyRing(cfg.Router.APIKeys)
	if len(cfg.Router.APIKeys) == 0 {
		logger.Warn().Msg("no api_keys configured, every chat request will be rejected")
	}

	// 4. 初始化 Handler
	chatHandler := handler.NewChatHandler(dispatcher, registry, keyRing,
		logger.With().Str("component", "api").Logger(),
		handler.Options{
			DefaultModel: cfg.Router.DefaultModel,
			ModelAliases: cfg.Router.ModelAliases,
		})

	// 5. 初始化 Worker 链路端点
	workerAPI := api.NewWorkerAPI(registry, cfg.Router.PingPeriod.D(), logger.With().Str("component", "link").Logger())

	// 6. 创建 Gin 路由引擎
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logger))
	r.Use(metrics.Middleware())

	// OpenAI 兼容的 API 端点
	r.POST("/v1/chat/completions", chatHandler.Handle)
	r.GET("/v1/models", chatHandler.Models)
	r.GET("/v1/nodes", chatHandler.Nodes)

	// Worker 长连接端点
	r.GET(cfg.Router.LinkPath, workerAPI.HandleLink)

	// 健康检查与监控
	r.GET("/health", chatHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr: cfg.Router.Addr,
		Handler: cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		})(r),
	}

	logger.Info().Str("addr", cfg.Router.Addr).Str("link_path", cfg.Router.LinkPath).
		Str("default_model", cfg.Router.DefaultModel).Msg("starting router")
	return serve(ctx, srv, logger)
}
