package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/booking-api/internal/app"
	"github.com/jwalitptl/booking-api/internal/config"
	"github.com/jwalitptl/booking-api/internal/handler/availability"
	"github.com/jwalitptl/booking-api/internal/handler/booking"
	"github.com/jwalitptl/booking-api/internal/handler/health"
	"github.com/jwalitptl/booking-api/internal/handler/otp"
	"github.com/jwalitptl/booking-api/internal/handler/payment"
	"github.com/jwalitptl/booking-api/internal/handler/prometheus"
	"github.com/jwalitptl/booking-api/internal/middleware"
	"github.com/jwalitptl/booking-api/internal/router"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := app.NewLogger(cfg.Log)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal(err, "failed to initialize application")
	}

	// Initialize handlers
	handlers := router.Handlers{
		Availability: availability.NewHandler(a.Availability),
		Booking:      booking.NewHandler(a.Bookings),
		OTP:          otp.NewHandler(a.OTP),
		Payment:      payment.NewHandler(a.Payments, cfg.Secrets.GatewayKeyID),
		Health: health.NewHandler(map[string]health.Pinger{
			"postgres": a.DB,
			"redis": health.PingerFunc(func(ctx context.Context) error {
				return a.Redis.Ping(ctx).Err()
			}),
		}),
		Metrics: prometheus.New(a.Registry),
	}

	r := router.NewRouter(handlers, router.RouterConfig{
		Mode:           cfg.Server.Mode,
		RequestTimeout: cfg.Server.Timeout(),
		OTPRate:        rate.Limit(float64(cfg.RateLimit.RequestsPerMinute) / 60),
		OTPBurst:       cfg.RateLimit.Burst,
		CORSConfig:     middleware.CORSConfig{AllowOrigins: cfg.CORS.AllowedOrigins, MaxAge: 600},
		TrustedProxies: cfg.Server.TrustedProxies,
	}, logger, a.Metrics)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.Timeout() + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error(err, "server forced to shutdown")
	}

	// Flushes in-flight confirmations before the stores go away.
	if err := a.Close(); err != nil {
		logger.Error(err, "failed to release resources")
	}
	logger.Info("server exited properly")
}
