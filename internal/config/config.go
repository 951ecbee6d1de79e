package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	JWTSecret string `env:"JWT_SECRET,required"`
	// Shared secret for the internal /api/tasks endpoints.
	TaskToken string `env:"TASK_TOKEN,required"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`

	// Cron spec for the due-job scan.
	DueScanSpec string `env:"DUE_SCAN_SPEC" envDefault:"@every 1m"`
	WorkerCount int    `env:"WORKER_COUNT" envDefault:"4"`

	// SMTP account used for failure notices.
	NotifySMTPAddr string `env:"NOTIFY_SMTP_ADDR"`
	NotifyUsername string `env:"NOTIFY_SMTP_USERNAME"`
	NotifyPassword string `env:"NOTIFY_SMTP_PASSWORD"`
	NotifyFrom     string `env:"NOTIFY_FROM" envDefault:"notify@localhost"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Production() bool { return c.AppEnv == "production" }
