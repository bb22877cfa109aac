package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/api/graph"
	"github.com/lvdashuaibi/bookround/internal/lock"
	"github.com/lvdashuaibi/bookround/internal/notify"
	"github.com/lvdashuaibi/bookround/internal/repository"
	"github.com/lvdashuaibi/bookround/internal/service"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
	workers    = flag.Int("relay-workers", 1, "简报转发消费者数量，0表示不启动")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instance", *instanceID)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("服务异常退出", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger.Info("配置加载成功", "config", *configPath)
	gin.SetMode(gin.ReleaseMode)

	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.CreateSchema(ctx, mysqlRepo.Master())
	cancel()
	if err != nil {
		return err
	}
	logger.Info("MySQL仓库初始化成功")

	// 缓存不可用时直接读库
	var cache service.PollCache
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		logger.Warn("初始化Redis缓存失败，将不使用缓存", "error", err)
	} else {
		defer redisRepo.Close()
		cache = redisRepo
		logger.Info("Redis缓存初始化成功")
	}

	pollLock, err := newLock(cfg.Lock.Backend)
	if err != nil {
		return err
	}
	defer func() {
		pollLock.ReleaseAllLocks()
		pollLock.Close()
	}()
	logger.Info("投票锁初始化成功", "backend", cfg.Lock.Backend)

	var notifier notify.Notifier
	if cfg.Notify.Enabled {
		kn, err := notify.NewKafkaNotifier()
		if err != nil {
			logger.Warn("初始化Kafka通知失败，将不发送通知", "error", err)
		} else {
			defer kn.Close()
			notifier = kn
		}
	}
	dispatcher := notify.NewDispatcher(notifier, cfg.Notify, logger)

	var consumer *notify.Consumer
	if cfg.Notify.Enabled && *workers > 0 {
		consumer, err = notify.NewConsumer(*workers, logger)
		if err != nil {
			logger.Warn("初始化Kafka消费者失败", "error", err)
		} else {
			consumer.StartConsuming(notify.NewsletterRelay(logger))
		}
	}

	polls := service.NewPollService(mysqlRepo, pollLock, mysqlRepo, cache, cfg.Lock, cfg.Round, logger)
	discussions := service.NewDiscussionService(mysqlRepo, pollLock, cache, dispatcher, cfg.Lock, cfg.Notify, logger)
	rounds := service.NewRoundManager(mysqlRepo, polls, pollLock, dispatcher, cfg.Lock, cfg.Notify, logger)

	server := graph.NewGraphQLServer(cfg.GraphQL.Path, polls, discussions, rounds, logger)

	// 多实例时端口顺延
	port := cfg.Server.Port + *instanceID - 1
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(port)
	}()
	logger.Info("Book Round 已启动", "url", fmt.Sprintf("http://localhost:%d", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("正在关闭服务...", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("启动GraphQL服务器失败: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭GraphQL服务器失败", "error", err)
	}

	// 等待已提交事务的通知发送完成
	dispatcher.Wait()
	if consumer != nil {
		consumer.Stop()
	}
	logger.Info("服务已关闭")
	return nil
}

func newLock(backend string) (lock.Lock, error) {
	switch backend {
	case "", "local":
		return lock.NewLocalLock(), nil
	case "etcd":
		l, err := lock.NewETCDLock()
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		return l, nil
	case "redis":
		l, err := lock.NewRedLock()
		if err != nil {
			return nil, fmt.Errorf("初始化Redlock失败: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("未知的锁后端: %s", backend)
	}
}
