// Package main запускает HTTP-сервер сервиса сканпоинт.
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

	"github.com/qrewards/scanpoint-system/internal/config"
	"github.com/qrewards/scanpoint-system/internal/handler"
	"github.com/qrewards/scanpoint-system/internal/model"
	"github.com/qrewards/scanpoint-system/internal/otp"
	"github.com/qrewards/scanpoint-system/internal/ratelimit"
	"github.com/qrewards/scanpoint-system/internal/repository"
	"github.com/qrewards/scanpoint-system/internal/service"
	"github.com/qrewards/scanpoint-system/internal/telemetry"
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

	var sink telemetry.Sink = telemetry.NoopSink{}
	if cfg.TelemetryAddress != "" {
		sink = telemetry.NewHTTPSink(cfg.TelemetryAddress)
	}
	dispatcher := telemetry.NewDispatcher(sink, logger)

	codes := otp.NewGenerator(cfg.OTPDevMode)

	svc := service.NewService(repo, codes, dispatcher, service.Options{
		OTPTTL:       cfg.OTPTTL,
		SessionReuse: cfg.SessionReuse,
	})
	defer svc.Close()

	if cfg.OTPDevMode {
		seedDevCoupon(repo, sugar)
	}

	var limiter *ratelimit.Limiter
	if !cfg.RateLimitOff {
		limiter = ratelimit.NewLimiter(ratelimit.NewMemoryCounter())
	}

	h := handler.NewHandler(svc, logger, limiter)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой отправки телеметрии
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting scanpoint server", "addr", cfg.RunAddress)
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

// seedDevCoupon создаёт тестовый купон в режиме разработки.
func seedDevCoupon(repo *repository.PostgresRepository, sugar *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := repo.CreateCoupon(ctx, &model.Coupon{
		TenantID: 1,
		Code:     "TESTQR123456",
		Status:   model.CouponStatusActive,
		Points:   50,
	})
	if err != nil && !errors.Is(err, repository.ErrCouponExists) {
		sugar.Warnw("dev coupon seed failed", "error", err.Error())
		return
	}
	if err == nil {
		sugar.Infow("dev coupon seeded", "coupon", "TESTQR123456")
	}
}
