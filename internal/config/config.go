// Package config loads service settings from .env, an optional YAML file
// and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string
	BaseURL string
	Env     string

	StorageDriver string
	DatabaseURL   string
	RedisAddr     string

	EventBus    string
	KafkaBroker string
	KafkaTopic  string

	Webhook WebhookConfig
	Payment PaymentConfig
	SMTP    SMTPConfig

	OTelEnabled  bool
	OTelEndpoint string

	MerchantAddr string
	GatewayURL   string
}

type WebhookConfig struct {
	Secret      string
	Workers     int
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

type PaymentConfig struct {
	TTL            time.Duration
	SweepInterval  time.Duration
	OTPLength      int
	OTPMaxAttempts int
	AcceptedCard   string
}

type SMTPConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	TLSMode string
}

// Configured reports whether an SMTP relay was provided.
func (c SMTPConfig) Configured() bool {
	return c.Host != ""
}

const DevWebhookSecret = "paymock-dev-secret"

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DRIVER", "memory")
	v.SetDefault("DATABASE_URL", "paymock.db")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("EVENT_BUS", "memory")
	v.SetDefault("KAFKA_BROKER", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "payment-lifecycle")
	v.SetDefault("WEBHOOK_SECRET", DevWebhookSecret)
	v.SetDefault("WEBHOOK_WORKERS", 8)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	v.SetDefault("WEBHOOK_BASE_DELAY", "1s")
	v.SetDefault("PAYMENT_TTL", "15m")
	v.SetDefault("SWEEP_INTERVAL", "5s")
	v.SetDefault("OTP_LENGTH", 6)
	v.SetDefault("OTP_MAX_ATTEMPTS", 3)
	v.SetDefault("ACCEPTED_CARD", "4444444444444444")
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASS", "")
	v.SetDefault("SMTP_FROM", "no-reply@paymock.local")
	v.SetDefault("SMTP_TLS_MODE", "starttls")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("MERCHANT_ADDR", ":9090")
	v.SetDefault("GATEWAY_URL", "http://localhost:8080")
}

// Load reads .env (a missing file is fine), then the YAML file named by
// PAYMOCK_CONFIG if set, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("PAYMOCK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:          v.GetString("PORT"),
		BaseURL:       strings.TrimRight(v.GetString("BASE_URL"), "/"),
		Env:           v.GetString("ENV"),
		StorageDriver: v.GetString("STORAGE_DRIVER"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		EventBus:      v.GetString("EVENT_BUS"),
		KafkaBroker:   v.GetString("KAFKA_BROKER"),
		KafkaTopic:    v.GetString("KAFKA_TOPIC"),
		Webhook: WebhookConfig{
			Secret:      v.GetString("WEBHOOK_SECRET"),
			Workers:     v.GetInt("WEBHOOK_WORKERS"),
			Timeout:     v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts: v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			BaseDelay:   v.GetDuration("WEBHOOK_BASE_DELAY"),
		},
		Payment: PaymentConfig{
			TTL:            v.GetDuration("PAYMENT_TTL"),
			SweepInterval:  v.GetDuration("SWEEP_INTERVAL"),
			OTPLength:      v.GetInt("OTP_LENGTH"),
			OTPMaxAttempts: v.GetInt("OTP_MAX_ATTEMPTS"),
			AcceptedCard:   v.GetString("ACCEPTED_CARD"),
		},
		SMTP: SMTPConfig{
			Host:    v.GetString("SMTP_HOST"),
			Port:    v.GetInt("SMTP_PORT"),
			User:    v.GetString("SMTP_USER"),
			Pass:    v.GetString("SMTP_PASS"),
			From:    v.GetString("SMTP_FROM"),
			TLSMode: v.GetString("SMTP_TLS_MODE"),
		},
		OTelEnabled:  v.GetBool("OTEL_ENABLED"),
		OTelEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MerchantAddr: v.GetString("MERCHANT_ADDR"),
		GatewayURL:   strings.TrimRight(v.GetString("GATEWAY_URL"), "/"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q: want memory, sqlite or postgres", c.StorageDriver))
	}
	switch c.EventBus {
	case "memory", "kafka":
	default:
		errs = append(errs, fmt.Errorf("EVENT_BUS %q: want memory or kafka", c.EventBus))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is empty"))
	}
	if c.Env == "production" && c.Webhook.Secret == DevWebhookSecret {
		errs = append(errs, errors.New("WEBHOOK_SECRET must be set in production"))
	}
	if c.Webhook.Workers < 1 {
		errs = append(errs, errors.New("WEBHOOK_WORKERS must be at least 1"))
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Webhook.Timeout <= 0 || c.Webhook.BaseDelay <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT and WEBHOOK_BASE_DELAY must be positive"))
	}
	if c.Payment.TTL <= 0 || c.Payment.SweepInterval <= 0 {
		errs = append(errs, errors.New("PAYMENT_TTL and SWEEP_INTERVAL must be positive"))
	}
	if c.Payment.OTPLength < 4 || c.Payment.OTPLength > 10 {
		errs = append(errs, errors.New("OTP_LENGTH must be between 4 and 10"))
	}
	if c.Payment.OTPMaxAttempts < 1 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be at least 1"))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL %q is not an absolute URL", c.BaseURL))
	}
	return errors.Join(errs...)
}
