// Package config содержит логику чтения конфигурации сервиса оформления заказа.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultNotificationTopic = "checkout.notifications"
	defaultSessionTTL        = 30 * time.Minute
	defaultPaymentRateLimit  = 10
)

// Config содержит параметры конфигурации сервиса оформления заказа.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	OrderServiceAddress string        `env:"ORDER_SERVICE_ADDRESS"`
	RedisURL            string        `env:"REDIS_URL"`
	KafkaBrokers        string        `env:"KAFKA_BROKERS"`
	NotificationTopic   string        `env:"NOTIFICATION_TOPIC"`
	SessionTTL          time.Duration `env:"SESSION_TTL"`
	AuthSecret          string        `env:"AUTH_SECRET"`
	// PaymentRateLimit задаёт число попыток оплаты в минуту на одного покупателя.
	PaymentRateLimit int `env:"PAYMENT_RATE_LIMIT"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OrderServiceAddress, "o", "", "order service address")
	flag.StringVar(&cfg.RedisURL, "s", "", "redis URL for checkout sessions")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers")
	flag.StringVar(&cfg.NotificationTopic, "t", defaultNotificationTopic, "kafka topic for notifications")
	flag.DurationVar(&cfg.SessionTTL, "ttl", defaultSessionTTL, "abandoned checkout session lifetime")
	flag.StringVar(&cfg.AuthSecret, "secret", "", "customer cookie signing secret")
	flag.IntVar(&cfg.PaymentRateLimit, "rate", defaultPaymentRateLimit, "payment attempts per minute per customer")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.OrderServiceAddress != "" {
		cfg.OrderServiceAddress = envCfg.OrderServiceAddress
	}
	if envCfg.RedisURL != "" {
		cfg.RedisURL = envCfg.RedisURL
	}
	if envCfg.KafkaBrokers != "" {
		cfg.KafkaBrokers = envCfg.KafkaBrokers
	}
	if envCfg.NotificationTopic != "" {
		cfg.NotificationTopic = envCfg.NotificationTopic
	}
	if envCfg.SessionTTL > 0 {
		cfg.SessionTTL = envCfg.SessionTTL
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.PaymentRateLimit > 0 {
		cfg.PaymentRateLimit = envCfg.PaymentRateLimit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.PaymentRateLimit <= 0 {
		cfg.PaymentRateLimit = defaultPaymentRateLimit
	}

	return cfg, nil
}
