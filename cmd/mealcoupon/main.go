// Package main запускает HTTP-сервер сервиса талонов на питание.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/meal-coupon-system/internal/config"
	"github.com/mmeshcher/meal-coupon-system/internal/handler"
	"github.com/mmeshcher/meal-coupon-system/internal/lock"
	"github.com/mmeshcher/meal-coupon-system/internal/metrics"
	"github.com/mmeshcher/meal-coupon-system/internal/middleware"
	"github.com/mmeshcher/meal-coupon-system/internal/repository"
	"github.com/mmeshcher/meal-coupon-system/internal/roster"
	"github.com/mmeshcher/meal-coupon-system/internal/service"
)

func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
	return repository.NewBoltRepository(cfg.BoltPath)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		redisLocker, err := lock.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	var rosterSource service.RosterSource
	if cfg.RosterURL != "" {
		rosterSource = roster.NewClient(cfg.RosterURL, logger)
	}

	m := metrics.New()

	svc := service.NewService(repo, rosterSource, locker, m, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.SecretKey, cfg.AdminLogin, cfg.AdminPassword)
	if !authMiddleware.Enabled() {
		sugar.Warn("ADMIN_PASSWORD is not set, admin routes are open")
	}

	h := handler.NewHandler(svc, logger, authMiddleware, m)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая синхронизация списка участников
	g.Go(func() error {
		svc.StartRosterSync(ctx, cfg.SyncInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting meal coupon server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
