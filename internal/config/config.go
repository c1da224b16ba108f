// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	AccrualSystemAddress string `env:"ACCRUAL_SYSTEM_ADDRESS"`
	NotifyAddress        string `env:"NOTIFY_ADDRESS"`

	RedisURL    string        `env:"REDIS_URL"`
	JWTSecret   string        `env:"JWT_SECRET"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	AdminEmails []string      `env:"ADMIN_EMAILS" envSeparator:","`
	CORSOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	ReferralRewardPoints int64         `env:"REFERRAL_REWARD_POINTS" envDefault:"1000"`
	RefereeRewardPoints  int64         `env:"REFEREE_REWARD_POINTS" envDefault:"0"`
	MinQualifyingOrder   int64         `env:"MIN_QUALIFYING_ORDER" envDefault:"1000"`
	ReferralTTL          time.Duration `env:"REFERRAL_TTL" envDefault:"720h"`

	FraudScanInterval    time.Duration `env:"FRAUD_SCAN_INTERVAL" envDefault:"15m"`
	FraudBatchSize       int           `env:"FRAUD_BATCH_SIZE" envDefault:"200"`
	FraudVelocityLimit   int           `env:"FRAUD_VELOCITY_LIMIT" envDefault:"5"`
	FraudMinQualifyDelay time.Duration `env:"FRAUD_MIN_QUALIFY_DELAY" envDefault:"10m"`

	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"5s"`
	AdminRateLimit   float64       `env:"ADMIN_RATE_LIMIT" envDefault:"10"`
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// Файл .env необязателен; уже заданные переменные он не перезаписывает.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAccrualAddress := cfg.AccrualSystemAddress
	envNotifyAddress := cfg.NotifyAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AccrualSystemAddress, "r", "", "accrual system address")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAccrualAddress != "" {
		cfg.AccrualSystemAddress = envAccrualAddress
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	emails := cfg.AdminEmails[:0]
	for _, e := range cfg.AdminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			emails = append(emails, e)
		}
	}
	cfg.AdminEmails = emails

	origins := cfg.CORSOrigins[:0]
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.ReferralRewardPoints < 0 || c.RefereeRewardPoints < 0 {
		errs = append(errs, errors.New("reward points must not be negative"))
	}
	if c.MinQualifyingOrder < 0 {
		errs = append(errs, errors.New("MIN_QUALIFYING_ORDER must not be negative"))
	}
	if c.FraudBatchSize <= 0 {
		errs = append(errs, errors.New("FRAUD_BATCH_SIZE must be positive"))
	}
	if c.FraudScanInterval <= 0 {
		errs = append(errs, errors.New("FRAUD_SCAN_INTERVAL must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.AdminRateLimit <= 0 {
		errs = append(errs, errors.New("ADMIN_RATE_LIMIT must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
