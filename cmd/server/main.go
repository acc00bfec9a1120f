package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bankledger/internal/config"
	"bankledger/internal/handler"
	"bankledger/internal/infrastructure/cache"
	"bankledger/internal/infrastructure/database"
	"bankledger/internal/infrastructure/lock"
	"bankledger/internal/infrastructure/mq"
	"bankledger/internal/job"
	"bankledger/internal/membership"
	"bankledger/internal/repository"
	"bankledger/internal/service"
	"bankledger/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// 加载配置
	cfg := config.LoadConfig(*configPath)

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化存储
	store, err := newStore(cfg)
	if err != nil {
		logger.Error("初始化存储失败", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 账户锁：启用 Redis 时跨进程互斥，否则进程内互斥
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			logger.Error("初始化 Redis 失败", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient,
			time.Duration(cfg.Lock.TTLSeconds)*time.Second,
			time.Duration(cfg.Lock.RetryIntervalMs)*time.Millisecond,
			cfg.Lock.MaxRetries,
			logger)
	}

	// 账本事件
	var publisher mq.Publisher = mq.NopPublisher{}
	if cfg.Kafka.Enabled {
		kafkaPublisher, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			logger.Error("初始化 Kafka 失败", "error", err)
			os.Exit(1)
		}
		publisher = kafkaPublisher
	}
	defer publisher.Close()

	registry := membership.NewRegistry()
	bank := service.NewBank(store,
		service.WithLocker(locker),
		service.WithDirectory(registry),
		service.WithDefaults(cfg.Bank),
		service.WithPublisher(publisher, cfg.Kafka.Topic.LedgerEvents, cfg.Kafka.Topic.Alerts),
		service.WithLogger(logger),
		service.WithPruneConcurrency(cfg.Business.PruneConcurrency),
	)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 执行数据迁移
	if err := bank.Start(ctx); err != nil {
		logger.Error("启动银行失败", "error", err)
		os.Exit(1)
	}

	// 启动后台任务
	if cfg.Business.PruneIntervalMinutes > 0 {
		pruneJob := job.NewPruneJob(bank, registry, time.Duration(cfg.Business.PruneIntervalMinutes)*time.Minute, logger)
		go pruneJob.Start(ctx)
	}
	if cfg.Business.RefreshIntervalSeconds > 0 {
		refreshJob := job.NewRefreshJob(bank, time.Duration(cfg.Business.RefreshIntervalSeconds)*time.Second, logger)
		go refreshJob.Start(ctx)
	}

	// 设置路由
	router := handler.SetupRouter(bank, registry, cfg, logger)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		logger.Info("服务启动", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", "error", err)
	}

	logger.Info("服务已关闭")
}

func newStore(cfg *config.Config) (repository.Store, error) {
	if cfg.Store.Driver != "mysql" {
		return repository.NewMemoryStore(), nil
	}
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return nil, err
	}
	store := repository.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return store, nil
}
