// Package main запускает HTTP-сервер сервиса петкойнс.
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

	"github.com/petly/petcoins/internal/billing"
	"github.com/petly/petcoins/internal/cache"
	"github.com/petly/petcoins/internal/config"
	"github.com/petly/petcoins/internal/handler"
	"github.com/petly/petcoins/internal/middleware"
	"github.com/petly/petcoins/internal/repository"
	"github.com/petly/petcoins/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	idemCache, err := cache.New(cfg.CachePath)
	if err != nil {
		sugar.Fatalw("idempotency cache initialization error", "error", err.Error())
	}
	defer idemCache.Close()

	var billingClient *billing.Client
	if cfg.BillingAddress != "" {
		billingClient = billing.NewClient(cfg.BillingAddress)
	}

	svc := service.NewService(repo, idemCache, billingClient, nil)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware("petcoins-secret")
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой повторной обработки отложенных чеков
	g.Go(func() error {
		svc.StartReplayUpdates(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting petcoins server", "addr", cfg.RunAddress)
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
