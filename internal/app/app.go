package app

import (
	"context"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/controller"
	"gamermatch_backend/internal/repository"
	"gamermatch_backend/internal/service"
	"gamermatch_backend/pkg/configwatcher"
	"gamermatch_backend/pkg/database"
	"gamermatch_backend/pkg/logger"
	"gamermatch_backend/pkg/monitoring"
	"gamermatch_backend/pkg/security"
	"gamermatch_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config *config.Config
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	services        *services
	tracer          *sdktrace.TracerProvider
	configMu        sync.Mutex
	configCallbacks []func(*config.Config)
	stop            chan struct{}
	stopOnce        sync.Once
}

type repositories struct {
	match      *repository.MatchRepository
	call       *repository.CallRepository
	permission *repository.PermissionRepository
}

type services struct {
	call       *service.CallService
	permission *service.PermissionService
	signalHub  *service.SignalHub
}

type controllers struct {
	call       *controller.CallController
	permission *controller.PermissionController
	signal     *controller.SignalController
	health     *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	a.configCallbacks = append(a.configCallbacks, callback)
}

// reloadConfig 热更新只应用可在线变更的部分，端口和数据库需重启
func (a *App) reloadConfig(cfg *config.Config) {
	a.configMu.Lock()
	callbacks := append([]func(*config.Config){}, a.configCallbacks...)
	a.configMu.Unlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB, rdb *redis.Client) *repositories {
	return &repositories{
		match:      repository.NewMatchRepository(db, rdb),
		call:       repository.NewCallRepository(db),
		permission: repository.NewPermissionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client) *services {
	s := &services{}

	s.signalHub = service.NewSignalHub(rdb, cfg.Call)
	go s.signalHub.Run()

	s.call = service.NewCallService(repos.match, repos.call, s.signalHub, cfg.Call)
	s.permission = service.NewPermissionService(s.call, repos.permission)

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		call:       controller.NewCallController(s.call),
		permission: controller.NewPermissionController(s.permission),
		signal:     controller.NewSignalController(s.call, s.signalHub),
		health:     controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if cfg.RateLimit.MaxRequests > 0 && window > 0 {
		limiter := security.NewLimiter(cfg.RateLimit.MaxRequests, window)
		go limiter.Run(a.stop)
		router.Use(limiter.Middleware())
	}

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 过期请求清理；开关与间隔每轮从最新配置读取
func (a *App) startBackgroundTasks(s *services) {
	go func() {
		interval := s.call.Config().SweepInterval()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-timer.C:
			}

			cfg := s.call.Config()
			if cfg.ExpirySweep {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := s.call.ExpireStale(ctx); err != nil {
					logger.Log.Error("call request expiry sweep error", zap.Error(err))
				}
				cancel()
			}
			timer.Reset(cfg.SweepInterval())
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	migrate := cfg.ForceMigrate || cfg.Server.Mode != "release"
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	if cfg.MigrateOnly {
		return &App{Config: cfg, DB: db}
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}

	app := New(cfg, db, rdb)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(tracing.ServiceName, cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	go func() {
		if err := configwatcher.WatchConfig(config.ConfigFile(cfg.Dir), app.reloadConfig, app.stop); err != nil {
			logger.Log.Warn("Config hot reload disabled", zap.Error(err))
		}
	}()

	return app
}

// New 用已初始化的数据库与 Redis 组装应用，测试中也直接使用
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *App {
	gin.SetMode(cfg.Server.Mode)

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		stop:   make(chan struct{}),
	}

	repos := app.initRepositories(db, rdb)
	services := app.initServices(repos, cfg, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	app.RegisterConfigCallback(func(newCfg *config.Config) {
		logger.ApplyMode(newCfg.Server.Mode)
		services.call.UpdateConfig(newCfg.Call)
		services.signalHub.UpdateLimits(newCfg.Call)
	})

	app.startBackgroundTasks(services)

	return app
}

// Close 停止后台任务与信令连接
func (a *App) Close() {
	a.stopOnce.Do(func() {
		if a.stop != nil {
			close(a.stop)
		}
		if a.services != nil && a.services.signalHub != nil {
			a.services.signalHub.Stop()
		}
		if a.tracer != nil {
			if err := a.tracer.Shutdown(context.Background()); err != nil {
				logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
			}
		}
	})
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 清理信令连接和 Redis 在线状态
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
