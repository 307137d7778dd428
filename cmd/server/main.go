package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/handler"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/middleware"
	"github.com/ketches/gateway-sentinel/internal/service"
	"github.com/ketches/gateway-sentinel/internal/tasks"
	"github.com/ketches/gateway-sentinel/pkg/geoip"
	"github.com/ketches/gateway-sentinel/pkg/jwt"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Gateway Sentinel 启动中...",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	db, err := database.Open(cfg)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer db.Close()

	// Redis 可选，连不上时退化为本地镜像缓存
	redis, err := cache.NewRedis(cfg)
	if err != nil {
		logger.Warn("Redis 不可用，缓存退化为本地镜像", zap.Error(err))
		redis = nil
	}
	defer redis.Close()

	tier := cache.NewTier(redis, db.Local)

	jwt.Init(cfg.Auth.JWTSecret)

	// GeoIP 打不开时返回空服务，所有查询 IsValid=false
	geo, err := geoip.Open(cfg.GeoIP.CityDBPath, cfg.GeoIP.ASNDBPath)
	if err != nil {
		logger.Warn("GeoIP 数据库不可用，IP 地理信息降级", zap.Error(err))
	}
	defer geo.Close()

	// 服务装配
	store := service.NewLogStore(db)
	cfgStore := service.NewConfigStore(db.Local)
	writer := service.NewWriter(db, tier)
	llm := service.NewLLMClient()

	dash := service.NewDashboardEngine(store, tier)
	ipdist := service.NewIPDistributionEngine(store, tier, geo)
	risk := service.NewRiskEngine(store, tier, geo)
	modelStatus := service.NewModelStatusEngine(store, tier, cfgStore)
	autoban := service.NewAutoBanPipeline(cfgStore, store, risk, writer, llm, db.Local)
	autogroup := service.NewAutoGroupPipeline(cfgStore, store, writer, db.Local)
	storage := service.NewStorageEngine(db, tier, cfgStore, cfg.LocalDB.Path)

	// 后台任务
	mgr := tasks.NewManager()
	runner := tasks.NewRunner(db, tier, store, cfgStore, writer, autoban, autogroup)
	warmup := tasks.NewWarmup(mgr, tier, dash, ipdist, risk)
	tasks.Setup(mgr, runner, warmup, tasks.Options{
		WarmupEnabled:      cfg.Tasks.WarmupEnabled,
		IndexEnsureEnabled: cfg.Tasks.IndexEnsureEnabled,
	})
	defer mgr.Stop()

	gin.SetMode(cfg.Server.Mode)
	router := setupRouter(cfg, &handlers{
		auth:        handler.NewAuthHandler(cfg),
		dashboard:   handler.NewDashboardHandler(dash, ipdist),
		risk:        handler.NewRiskHandler(risk),
		users:       handler.NewUserActionHandler(writer),
		modelStatus: handler.NewModelStatusHandler(modelStatus),
		aiban:       handler.NewAIBanHandler(autoban, llm),
		autogroup:   handler.NewAutoGroupHandler(autogroup),
		system:      handler.NewSystemHandler(db, tier, redis, store, writer, storage, warmup, mgr),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("服务器启动",
			zap.Int("port", cfg.Server.Port),
			zap.String("mode", cfg.Server.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务器启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭", zap.Error(err))
	}

	logger.Info("服务器已关闭")
}

type handlers struct {
	auth        *handler.AuthHandler
	dashboard   *handler.DashboardHandler
	risk        *handler.RiskHandler
	users       *handler.UserActionHandler
	modelStatus *handler.ModelStatusHandler
	aiban       *handler.AIBanHandler
	autogroup   *handler.AutoGroupHandler
	system      *handler.SystemHandler
}

// setupRouter 组装路由。embed 与健康检查公开，其余需要认证。
func setupRouter(cfg *config.Config, h *handlers) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.system.Health)
	router.GET("/api/health", h.system.Health)

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", h.auth.Login)
			auth.POST("/logout", h.auth.Logout)
		}

		// 模型状态嵌入接口（公开）
		embed := api.Group("/model-status/embed")
		{
			embed.GET("/models", h.modelStatus.GetEmbedStatus)
			embed.GET("/config", h.modelStatus.GetEmbedConfig)
		}

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(cfg))
		{
			authenticated.GET("/auth/me", h.auth.Me)

			dashboard := authenticated.Group("/dashboard")
			{
				dashboard.GET("/overview", h.dashboard.GetOverview)
				dashboard.GET("/usage", h.dashboard.GetUsage)
				dashboard.GET("/models", h.dashboard.GetModelUsage)
				dashboard.GET("/top-users", h.dashboard.GetTopUsers)
				dashboard.GET("/trends/daily", h.dashboard.GetDailyTrends)
				dashboard.GET("/trends/hourly", h.dashboard.GetHourlyTrends)
				dashboard.GET("/channels", h.dashboard.GetChannelStatus)
				dashboard.GET("/ip-distribution", h.dashboard.GetIPDistribution)
			}

			risk := authenticated.Group("/risk")
			{
				risk.GET("/leaderboards", h.risk.GetLeaderboards)
				risk.GET("/users/:id/analysis", h.risk.AnalyzeUser)
				risk.GET("/shared-ips", h.risk.GetSharedIPs)
				risk.GET("/multi-ip-tokens", h.risk.GetMultiIPTokens)
				risk.GET("/multi-ip-users", h.risk.GetMultiIPUsers)
				risk.GET("/token-rotation", h.risk.GetTokenRotation)
				risk.GET("/affiliated-accounts", h.risk.GetAffiliatedAccounts)
				risk.GET("/same-ip-registrations", h.risk.GetSameIPRegistrations)
			}

			users := authenticated.Group("/users")
			users.Use(middleware.AdminOnly())
			{
				users.POST("/:id/ban", h.users.Ban)
				users.POST("/:id/unban", h.users.Unban)
			}
			authenticated.POST("/redemptions", middleware.AdminOnly(), h.users.CreateRedemptions)

			modelStatus := authenticated.Group("/model-status")
			{
				modelStatus.GET("/models", h.modelStatus.GetAvailableModels)
				modelStatus.GET("/config", h.modelStatus.GetConfig)
				modelStatus.PUT("/config", h.modelStatus.UpdateConfig)
				modelStatus.POST("/status/batch", h.modelStatus.BatchStatus)
				modelStatus.GET("/status/:model", h.modelStatus.GetStatus)
			}

			aiBan := authenticated.Group("/ai-ban")
			aiBan.Use(middleware.AdminOnly())
			{
				aiBan.GET("/config", h.aiban.GetConfig)
				aiBan.PUT("/config", h.aiban.UpdateConfig)
				aiBan.POST("/scan", h.aiban.RunScan)
				aiBan.GET("/status", h.aiban.GetStatus)
				aiBan.POST("/reset-breaker", h.aiban.ResetBreaker)
				aiBan.GET("/logs", h.aiban.GetLogs)
				aiBan.GET("/models", h.aiban.GetModels)
				aiBan.POST("/test", h.aiban.TestConnection)
				aiBan.GET("/whitelist", h.aiban.GetWhitelist)
				aiBan.POST("/whitelist", h.aiban.AddWhitelist)
				aiBan.DELETE("/whitelist/:user_id", h.aiban.RemoveWhitelist)
			}

			autoGroup := authenticated.Group("/auto-group")
			autoGroup.Use(middleware.AdminOnly())
			{
				autoGroup.GET("/config", h.autogroup.GetConfig)
				autoGroup.PUT("/config", h.autogroup.UpdateConfig)
				autoGroup.GET("/pending", h.autogroup.GetPending)
				autoGroup.POST("/scan", h.autogroup.RunScan)
				autoGroup.POST("/batch-move", h.autogroup.BatchMove)
				autoGroup.POST("/revert/:log_id", h.autogroup.Revert)
				autoGroup.GET("/stats", h.autogroup.GetStats)
				autoGroup.GET("/logs", h.autogroup.GetLogs)
				autoGroup.GET("/groups", h.autogroup.GetGroups)
			}

			system := authenticated.Group("/system")
			{
				system.GET("/warmup-status", h.system.GetWarmupStatus)
				system.GET("/tasks", h.system.GetTasks)
				system.GET("/indexes", h.system.GetIndexes)
				system.GET("/scale", h.system.GetScale)
				system.GET("/ip-recording", h.system.GetIPRecording)
				system.POST("/ip-recording/enforce", middleware.AdminOnly(), h.system.EnforceIPRecording)
				system.GET("/storage", h.system.GetStorage)
				system.POST("/storage/cleanup", middleware.AdminOnly(), h.system.CleanupStorage)
				system.GET("/storage/retention", h.system.GetRetention)
				system.PUT("/storage/retention", middleware.AdminOnly(), h.system.UpdateRetention)
				system.GET("/security-audit", h.system.GetSecurityAudits)
				system.GET("/cache", h.system.GetCacheStats)
				system.POST("/cache/flush", middleware.AdminOnly(), h.system.FlushCache)
			}
		}
	}

	return router
}
