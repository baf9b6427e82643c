// Package app wires the stores, clients and services shared by the API
// server and the background worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/jwalitptl/booking-api/internal/config"
	"github.com/jwalitptl/booking-api/internal/email"
	"github.com/jwalitptl/booking-api/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/booking-api/internal/repository/redis"
	"github.com/jwalitptl/booking-api/internal/service/availability"
	"github.com/jwalitptl/booking-api/internal/service/booking"
	"github.com/jwalitptl/booking-api/internal/service/notification"
	"github.com/jwalitptl/booking-api/internal/service/otp"
	"github.com/jwalitptl/booking-api/internal/service/payment"
	"github.com/jwalitptl/booking-api/pkg/audit"
	"github.com/jwalitptl/booking-api/pkg/auth"
	"github.com/jwalitptl/booking-api/pkg/circuitbreaker"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/messaging"
	messagingredis "github.com/jwalitptl/booking-api/pkg/messaging/redis"
	"github.com/jwalitptl/booking-api/pkg/metrics"
	"github.com/jwalitptl/booking-api/pkg/security"
)

type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Audit    *audit.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB     *sqlx.DB
	Redis  *goredis.Client
	Broker messaging.Broker
	Repos  *postgres.Repositories

	Availability  *availability.Service
	OTP           *otp.Service
	Notifications *notification.Dispatcher
	Bookings      *booking.Service
	Payments      *payment.Service
}

// NewLogger builds the process logger and installs it as the zerolog
// global, which the HTTP middleware logs through.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	l := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Console:    cfg.Console,
	})
	log.Logger = l.ZL
	return l
}

// New connects to Postgres and Redis and builds every service. Callers own
// the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, l *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: l}

	var auditPaths []string
	if cfg.Log.AuditPath != "" {
		auditPaths = append(auditPaths, cfg.Log.AuditPath)
	}
	auditLog, err := audit.New(auditPaths...)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit logger: %w", err)
	}
	a.Audit = auditLog

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry)

	a.DB, err = postgres.NewDB(ctx, postgres.Options{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, a.DB); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	a.Repos = postgres.NewRepositories(a.DB)

	a.Redis, err = messagingredis.NewClient(ctx, messagingredis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: 50 * time.Millisecond,
		PoolSize:     cfg.Redis.PoolSize,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Broker = messagingredis.NewRedisBroker(a.Redis, l.ZL)

	a.buildServices()
	return a, nil
}

func (a *App) buildServices() {
	cfg := a.Config
	loc := cfg.Location()

	emailSvc := email.NewSMTPService(email.Config{
		Host:     cfg.Notification.SMTP.Host,
		Port:     cfg.Notification.SMTP.Port,
		Username: cfg.Notification.SMTP.Username,
		Password: cfg.Secrets.SMTPPassword,
		From:     cfg.Notification.SMTP.From,
	})
	sms := notification.NewSMSClient(notification.SMSConfig{
		BaseURL: cfg.Notification.SMS.BaseURL,
		APIKey:  cfg.Secrets.SMSAPIKey,
		Sender:  cfg.Notification.SMS.Sender,
		Timeout: cfg.Notification.Timeout(),
	}, circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "sms-gateway"}, a.Logger.ZL))

	a.OTP = otp.NewService(
		redisrepo.NewOTPRepository(a.Redis, cfg.OTP.Grace()),
		notification.NewCodeSender(emailSvc, sms),
		security.NewBcryptHasher(bcrypt.DefaultCost),
		auth.NewTokenService(cfg.Secrets.OTPTokenSecret, cfg.OTP.TokenIssuer),
		otp.Config{
			TTL:         cfg.OTP.TTL(),
			MaxAttempts: cfg.OTP.MaxAttempts,
			EchoCode:    cfg.OTP.EchoCode && !cfg.IsProduction(),
		},
		a.Metrics,
		a.Audit,
	)

	a.Notifications = notification.NewDispatcher(
		a.Repos.Notifications,
		emailSvc,
		sms,
		notification.NewChatLinkPublisher(a.Broker, cfg.Notification.ChatLink.BaseURL),
		notification.Config{Location: loc, Timeout: cfg.Notification.Timeout()},
		a.Logger,
		a.Metrics,
		a.Audit,
	)

	a.Availability = availability.NewService(
		a.Repos.Providers,
		a.Repos.Availability,
		a.Repos.Bookings,
		availability.Config{
			Location:     loc,
			MaxRangeDays: cfg.Booking.MaxRangeDays,
			CacheTTL:     cfg.Booking.CacheTTL(),
		},
		a.Metrics,
	)

	a.Bookings = booking.NewService(
		a.Repos.Bookings,
		a.Availability,
		a.OTP,
		a.Notifications,
		booking.Config{
			PendingTTL:    cfg.Booking.PendingTTL(),
			Fee:           cfg.Booking.ConsultationFee,
			Currency:      cfg.Booking.Currency,
			NotifyTimeout: cfg.Notification.Timeout(),
		},
		a.Logger,
		a.Metrics,
		a.Audit,
	)

	gateway := payment.NewRazorpayClient(payment.GatewayConfig{
		BaseURL:   cfg.Payment.GatewayURL,
		KeyID:     cfg.Secrets.GatewayKeyID,
		KeySecret: cfg.Secrets.GatewayKeySecret,
		Timeout:   cfg.Payment.Timeout(),
	}, circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "payment-gateway"}, a.Logger.ZL), a.Metrics)

	a.Payments = payment.NewService(
		a.Repos.Payments,
		a.Bookings,
		gateway,
		payment.Config{
			WebhookSecret: cfg.Secrets.GatewayWebhookSecret,
			KeySecret:     cfg.Secrets.GatewayKeySecret,
		},
		a.Logger,
		a.Metrics,
		a.Audit,
	)
}

// Close waits for in-flight notifications, then releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Bookings != nil {
		a.Bookings.Wait()
	}
	// The broker owns the redis client once built.
	switch {
	case a.Broker != nil:
		errs = append(errs, a.Broker.Close())
	case a.Redis != nil:
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Audit != nil {
		// Sync on stdout returns EINVAL on some platforms; ignore it.
		_ = a.Audit.Sync()
	}
	return errors.Join(errs...)
}
