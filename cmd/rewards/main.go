// Package main запускает HTTP-сервер реферальной программы и журнала баллов гофермарт.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/gophermart-rewards/internal/accrual"
	"github.com/mmeshcher/gophermart-rewards/internal/config"
	"github.com/mmeshcher/gophermart-rewards/internal/fraud"
	"github.com/mmeshcher/gophermart-rewards/internal/handler"
	"github.com/mmeshcher/gophermart-rewards/internal/ledger"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	"github.com/mmeshcher/gophermart-rewards/internal/middleware"
	"github.com/mmeshcher/gophermart-rewards/internal/notify"
	"github.com/mmeshcher/gophermart-rewards/internal/referral"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
	"github.com/mmeshcher/gophermart-rewards/internal/reward"
	"github.com/mmeshcher/gophermart-rewards/internal/scheduler"
	"github.com/mmeshcher/gophermart-rewards/internal/service"
)

const (
	scanLockKey     = "gophermart:fraud-scan"
	expiryInterval  = time.Hour
	pollInterval    = time.Second
	shutdownTimeout = 5 * time.Second
)

// storage объединяет контракты хранилища всех компонентов.
type storage interface {
	service.Repository
	ledger.Store
	referral.Store
	reward.Store
	fraud.ScanStore
	fraud.ReviewStore
	accrual.OrderStore
	middleware.RoleLookup
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newStorage(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	rdb, err := newRedis(cfg.RedisURL)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}

	// Прогон сканера завершается раньше, чем истекает TTL блокировки в Redis.
	scanBudget := cfg.FraudScanInterval - cfg.FraudScanInterval/10
	var scanLock fraud.ScanLock
	if rdb != nil {
		defer rdb.Close()
		scanLock = fraud.NewRedisLock(rdb, scanLockKey, cfg.FraudScanInterval)
	} else {
		sugar.Info("REDIS_URL is not set, fraud scan lock is process-local")
		scanLock = fraud.NewLocalLock()
	}

	m := metrics.New()

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NotifyAddress != "" {
		notifier = notify.NewClient(cfg.NotifyAddress)
	}

	engine := reward.NewEngine(repo, notifier, m, logger, reward.Options{
		ReferrerReward:   cfg.ReferralRewardPoints,
		RefereeBonus:     cfg.RefereeRewardPoints,
		OperationTimeout: cfg.OperationTimeout,
	})
	tracker := referral.NewTracker(repo, engine, logger, referral.Options{
		MinQualifyingOrder: cfg.MinQualifyingOrder,
		TTL:                cfg.ReferralTTL,
	})
	scanner := fraud.NewScanner(repo, scanLock, m, logger, fraud.ScanOptions{
		BatchSize:       cfg.FraudBatchSize,
		VelocityLimit:   cfg.FraudVelocityLimit,
		MinQualifyDelay: cfg.FraudMinQualifyDelay,
		MaxDuration:     scanBudget,
	})
	review := fraud.NewReview(repo, engine, logger)

	svc := service.NewService(repo, service.Components{
		Ledger:  ledger.New(repo, cfg.OperationTimeout).WithMetrics(m),
		Tracker: tracker,
		Scanner: scanner,
		Review:  review,
	}, logger, service.Options{AdminEmails: cfg.AdminEmails})
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is not set, tokens will not survive a restart")
	}
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		sugar.Fatalw("auth initialization error", "error", err.Error())
	}
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter(handler.RouterDeps{
		Guard:        middleware.NewGuard(repo, logger),
		AdminLimiter: middleware.NewRateLimiter(cfg.AdminRateLimit, int(cfg.AdminRateLimit)+1, logger),
		Metrics:      m,
		CORSOrigins:  cfg.CORSOrigins,
	})

	jobs := []scheduler.Job{
		{
			Name:     "fraud-scan",
			Interval: cfg.FraudScanInterval,
			Timeout:  scanBudget,
			Run: func(ctx context.Context) error {
				_, err := scanner.Scan(ctx)
				if errors.Is(err, fraud.ErrScanInProgress) {
					return nil
				}
				return err
			},
		},
		{
			Name:     "referral-expiry",
			Interval: expiryInterval,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				n, err := tracker.ExpireStale(ctx)
				if n > 0 {
					sugar.Infow("referrals expired", "count", n)
				}
				return err
			},
		},
	}
	if cfg.AccrualSystemAddress != "" {
		poller := accrual.NewPoller(accrual.NewClient(cfg.AccrualSystemAddress), repo, engine, logger)
		jobs = append(jobs, scheduler.Job{
			Name:     "accrual-poll",
			Interval: pollInterval,
			Run:      poller.Poll,
		})
	}

	sched, err := scheduler.New(logger, jobs...)
	if err != nil {
		sugar.Fatalw("scheduler initialization error", "error", err.Error())
	}

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start()
		<-ctx.Done()
		return sched.Shutdown()
	})

	g.Go(func() error {
		sugar.Infow("starting gophermart rewards server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	err = g.Wait()
	engine.Wait()
	if err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newStorage(cfg *config.Config, logger *zap.Logger) (storage, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is not set, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

// newRedis возвращает nil без ошибки, если адрес Redis не задан.
func newRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
