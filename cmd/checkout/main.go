// Package main запускает HTTP-сервер сервиса оформления заказа.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/atelier-checkout/internal/config"
	"github.com/mmeshcher/atelier-checkout/internal/handler"
	"github.com/mmeshcher/atelier-checkout/internal/metrics"
	"github.com/mmeshcher/atelier-checkout/internal/middleware"
	"github.com/mmeshcher/atelier-checkout/internal/notify"
	"github.com/mmeshcher/atelier-checkout/internal/orders"
	"github.com/mmeshcher/atelier-checkout/internal/repository"
	"github.com/mmeshcher/atelier-checkout/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var sessions service.SessionStore = repo
	if cfg.RedisURL != "" {
		store, err := repository.NewRedisSessionStore(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer store.Close()
		sessions = store
		sugar.Infow("checkout sessions stored in redis")
	}

	var placer service.OrderPlacer = orders.NewLocalPlacer()
	if cfg.OrderServiceAddress != "" {
		placer = orders.NewClient(cfg.OrderServiceAddress)
	} else {
		sugar.Warn("order service address not set, orders are placed locally")
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if brokers := notify.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kp := notify.NewKafkaPublisher(brokers, cfg.NotificationTopic)
		defer kp.Close()
		publisher = kp
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCheckoutMetrics(reg)

	svc := service.NewService(sessions, repo, placer, publisher,
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithSessionTTL(cfg.SessionTTL),
	)
	defer svc.Close()

	limiter := middleware.NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.PaymentRateLimit)), cfg.PaymentRateLimit, 10*time.Minute)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware,
		handler.WithRateLimiter(limiter),
		handler.WithMetrics(m, reg),
	)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое удаление брошенных сессий
	g.Go(func() error {
		svc.StartSessionSweeper(ctx)
		return nil
	})

	g.Go(func() error {
		limiter.Run(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting checkout server", "addr", cfg.RunAddress)
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
