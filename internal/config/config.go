package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Booking      BookingConfig      `mapstructure:"booking"`
	OTP          OTPConfig          `mapstructure:"otp"`
	Notification NotificationConfig `mapstructure:"notification"`
	Payment      PaymentConfig      `mapstructure:"payment"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Log          LogConfig          `mapstructure:"log"`
	Worker       WorkerConfig       `mapstructure:"worker"`

	// Secrets are read from the environment only.
	Secrets Secrets `mapstructure:"-"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Mode            string `mapstructure:"mode"`
	Env             string `mapstructure:"env"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	ShutdownSeconds int    `mapstructure:"shutdown_seconds"`
	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	URL        string `mapstructure:"url"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type BookingConfig struct {
	Timezone          string `mapstructure:"timezone"`
	PendingTTLMinutes int    `mapstructure:"pending_ttl_minutes"`
	MaxRangeDays      int    `mapstructure:"max_range_days"`
	ConsultationFee   int64  `mapstructure:"consultation_fee"`
	Currency          string `mapstructure:"currency"`
	CacheTTLSeconds   int    `mapstructure:"cache_ttl_seconds"`
}

type OTPConfig struct {
	TTLSeconds   int    `mapstructure:"ttl_seconds"`
	GraceSeconds int    `mapstructure:"grace_seconds"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
	EchoCode     bool   `mapstructure:"echo_code"`
	TokenIssuer  string `mapstructure:"token_issuer"`
}

type NotificationConfig struct {
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
	SMS            SMSConfig      `mapstructure:"sms"`
	ChatLink       ChatLinkConfig `mapstructure:"chat_link"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	From     string `mapstructure:"from"`
}

type SMSConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Sender  string `mapstructure:"sender"`
}

type ChatLinkConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type PaymentConfig struct {
	GatewayURL     string `mapstructure:"gateway_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Console   bool   `mapstructure:"console"`
	AuditPath string `mapstructure:"audit_path"`
}

type WorkerConfig struct {
	PollIntervalSeconds  int `mapstructure:"poll_interval_seconds"`
	BatchSize            int `mapstructure:"batch_size"`
	RetryAttempts        int `mapstructure:"retry_attempts"`
	RetryDelayMillis     int `mapstructure:"retry_delay_millis"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	OutboxRetentionHours int `mapstructure:"outbox_retention_hours"`
}

type Secrets struct {
	DatabaseURL          string `envconfig:"DATABASE_URL"`
	GatewayKeyID         string `envconfig:"GATEWAY_KEY_ID"`
	GatewayKeySecret     string `envconfig:"GATEWAY_KEY_SECRET"`
	GatewayWebhookSecret string `envconfig:"GATEWAY_WEBHOOK_SECRET"`
	OTPTokenSecret       string `envconfig:"OTP_TOKEN_SECRET"`
	SMTPPassword         string `envconfig:"SMTP_PASSWORD"`
	SMSAPIKey            string `envconfig:"SMS_API_KEY"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.env", "production")
	v.SetDefault("server.timeout_seconds", 10)
	v.SetDefault("server.shutdown_seconds", 15)

	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_minutes", 30)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("booking.timezone", "Asia/Kolkata")
	v.SetDefault("booking.pending_ttl_minutes", 15)
	v.SetDefault("booking.max_range_days", 62)
	v.SetDefault("booking.consultation_fee", 50000)
	v.SetDefault("booking.currency", "INR")
	v.SetDefault("booking.cache_ttl_seconds", 60)

	v.SetDefault("otp.ttl_seconds", 300)
	v.SetDefault("otp.grace_seconds", 3600)
	v.SetDefault("otp.max_attempts", 5)
	v.SetDefault("otp.token_issuer", "booking-api")

	v.SetDefault("notification.timeout_seconds", 10)
	v.SetDefault("notification.smtp.port", 587)
	v.SetDefault("notification.chat_link.base_url", "https://wa.me")

	v.SetDefault("payment.gateway_url", "https://api.razorpay.com")
	v.SetDefault("payment.timeout_seconds", 8)

	v.SetDefault("rate_limit.requests_per_minute", 10)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("log.level", "info")

	v.SetDefault("worker.poll_interval_seconds", 2)
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.retry_attempts", 3)
	v.SetDefault("worker.retry_delay_millis", 200)
	v.SetDefault("worker.sweep_interval_seconds", 30)
	v.SetDefault("worker.outbox_retention_hours", 72)
}

// LoadConfig reads .env (optional), then config.yml, then BOOKING_* env
// overrides, then secrets. An explicit path overrides the search.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("BOOKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &config.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	if config.Secrets.DatabaseURL != "" {
		config.Database.DSN = config.Secrets.DatabaseURL
	}

	return &config, nil
}

// Validate fails on settings the service cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.Secrets.GatewayWebhookSecret == "" {
		errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required"))
	}
	if c.Secrets.OTPTokenSecret == "" {
		errs = append(errs, errors.New("OTP_TOKEN_SECRET is required"))
	}
	if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid booking timezone %q: %w", c.Booking.Timezone, err))
	}
	if c.Booking.ConsultationFee <= 0 {
		errs = append(errs, errors.New("booking consultation fee must be positive"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("otp max attempts must be positive"))
	}
	if c.OTP.EchoCode && c.IsProduction() {
		errs = append(errs, errors.New("otp echo_code cannot be enabled in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Booking.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c ServerConfig) Timeout() time.Duration         { return seconds(c.TimeoutSeconds) }
func (c ServerConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownSeconds) }
func (c BookingConfig) PendingTTL() time.Duration     { return time.Duration(c.PendingTTLMinutes) * time.Minute }
func (c BookingConfig) CacheTTL() time.Duration       { return seconds(c.CacheTTLSeconds) }
func (c OTPConfig) TTL() time.Duration                { return seconds(c.TTLSeconds) }
func (c OTPConfig) Grace() time.Duration              { return seconds(c.GraceSeconds) }
func (c NotificationConfig) Timeout() time.Duration   { return seconds(c.TimeoutSeconds) }
func (c PaymentConfig) Timeout() time.Duration        { return seconds(c.TimeoutSeconds) }
func (c WorkerConfig) PollInterval() time.Duration    { return seconds(c.PollIntervalSeconds) }
func (c WorkerConfig) SweepInterval() time.Duration   { return seconds(c.SweepIntervalSeconds) }
func (c WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}
func (c WorkerConfig) OutboxRetention() time.Duration {
	return time.Duration(c.OutboxRetentionHours) * time.Hour
}
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}
