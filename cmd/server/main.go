package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"site-proof/backend/config"
	"site-proof/backend/internal/api/handler"
	"site-proof/backend/internal/api/router"
	"site-proof/backend/internal/repository"
	"site-proof/backend/internal/service"
	"site-proof/backend/pkg/database"
	"site-proof/backend/pkg/events"
	"site-proof/backend/pkg/jwt"
	applogger "site-proof/backend/pkg/logger"
	"site-proof/backend/pkg/redis"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load(os.Getenv("SITEPROOF_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 可选基础设施：连接失败时降级运行，不中断启动
	var deps service.Deps

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis 连接失败，分布式锁、Token 黑名单与登录限流将不可用", zap.Error(err))
			rdb = nil
		} else {
			deps.Locker = rdb
			deps.Blacklist = rdb
		}
	}

	var nc *events.NATSPublisher
	if cfg.NATS.Enabled {
		nc, err = events.NewNATSPublisher(&cfg.NATS, logger)
		if err != nil {
			logger.Warn("NATS 连接失败，领域事件仅写入站内通知", zap.Error(err))
			nc = nil
		} else {
			deps.Publisher = nc
		}
	}

	// 5. 初始化 JWT 管理器
	jwtMgr := jwt.NewManager(&cfg.Auth)

	// 6. 依赖注入: Repository → Service → Handler
	repo := repository.NewRepository(db)
	svc := service.NewService(cfg, repo, jwtMgr, deps, logger)
	h := handler.NewHandler(svc)

	// 7. 初始化路由
	engine := router.Setup(cfg, h, jwtMgr, rdb, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 8. HTTP 服务器与 outbox relay 共用生命周期，任一退出即整体关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务器异常: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return svc.Relay.Run(gctx)
	})

	// 9. 收到信号（或任一任务失败）后优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("开始优雅关闭...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("服务器退出异常", zap.Error(err))
	}

	// 等待提交后的后台投递结束（受 outbox.dispatch_timeout 约束）
	svc.Dispatcher.Wait()

	// 关闭外部连接
	if nc != nil {
		nc.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	sqlDB.Close()

	logger.Info("服务器已关闭")
}
