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

	"creditgate/internal/config"
	"creditgate/internal/handler"
	"creditgate/internal/infrastructure/cache"
	"creditgate/internal/infrastructure/database"
	"creditgate/internal/infrastructure/mq"
	"creditgate/internal/job"
	"creditgate/internal/metrics"
	"creditgate/internal/ratelimit"
	"creditgate/internal/repository"
	"creditgate/internal/service"
	"creditgate/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("服务异常退出", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	publisher, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	observer, err := metrics.NewPrometheusObserver("creditgate", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	// 整个进程只有一个限流器实例，显式传给准入网关，退出时停止清理任务
	limiter, err := ratelimit.NewFromConfig(cfg.RateLimit, redisClient, ratelimit.WithLogger(logger))
	if err != nil {
		return err
	}

	ledger := service.NewLedgerService(db, cfg, observer, logger)
	trials := service.NewTrialService(db, cfg, logger)
	referrals, err := service.NewReferralService(db, ledger, cfg, logger)
	if err != nil {
		return err
	}
	gate := service.NewAdmissionGate(limiter, ledger, trials, cfg.RateLimit, observer, logger)

	outboxSender := job.NewOutboxSender(
		repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvents),
		publisher, cfg.Business.MaxRetryCount, logger)
	expiryJob := job.NewSubscriptionExpiryJob(
		repository.NewAccountRepository(db), ledger, cfg.Business.SubscriptionCheckInterval, logger)

	h := handler.NewHandler(ledger, trials, referrals, gate, outboxSender, redisClient, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(h, handler.RouterOptions{AdminToken: cfg.Server.AdminToken, Logger: logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Start(gctx)
		return nil
	})
	g.Go(func() error {
		outboxSender.Start(gctx)
		return nil
	})
	g.Go(func() error {
		expiryJob.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("服务启动", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("服务启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("正在关闭服务...")

		limiter.Stop()
		outboxSender.Stop()
		expiryJob.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("服务关闭异常", "err", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("服务已关闭")
	return err
}
