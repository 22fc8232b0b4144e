// Package config assembles service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type Otp struct {
	TTL time.Duration `env:"OTP_TTL" envDefault:"5m"`
}

type Lockout struct {
	MaxAttempts     int `env:"LOCKOUT_MAX_ATTEMPTS" envDefault:"5"`
	DurationMinutes int `env:"LOCKOUT_DURATION_MINUTES" envDefault:"30"`
}

// Duration converts the configured minutes.
func (l Lockout) Duration() time.Duration {
	return time.Duration(l.DurationMinutes) * time.Minute
}

type JWT struct {
	Issuer         string        `env:"JWT_ISSUER" envDefault:"service-identity"`
	AccessTTL      time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL     time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
	PrivateKeyFile string        `env:"JWT_PRIVATE_KEY_FILE"`
}

type Notify struct {
	Workers     int           `env:"NOTIFY_WORKERS" envDefault:"2"`
	QueueSize   int           `env:"NOTIFY_QUEUE" envDefault:"100"`
	SendTimeout time.Duration `env:"NOTIFY_SEND_TIMEOUT" envDefault:"10s"`
}

type Mail struct {
	From         string `env:"MAIL_FROM" envDefault:"noreply@localhost"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
}

type Config struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8431"`
	SnowflakeNode int64  `env:"SNOWFLAKE_NODE" envDefault:"1"`
	DefaultRole   string `env:"DEFAULT_ROLE" envDefault:"ROLE_USER"`
	AdminRole     string `env:"ADMIN_ROLE" envDefault:"ROLE_ADMIN"`

	Database database.Config
	Log      utilities.Config
	Redis    Redis
	Otp      Otp
	Lockout  Lockout
	JWT      JWT
	Notify   Notify
	Mail     Mail
}

// Load reads an optional .env file and then parses the environment.
func Load() (Config, error) {
	// best-effort; a missing .env is normal outside local development
	_ = godotenv.Load()
	return Parse()
}

// Parse reads configuration from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Otp.TTL <= 0:
		return fmt.Errorf("OTP_TTL must be positive, got %s", c.Otp.TTL)
	case c.Lockout.MaxAttempts <= 0:
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be positive, got %d", c.Lockout.MaxAttempts)
	case c.Lockout.DurationMinutes <= 0:
		return fmt.Errorf("LOCKOUT_DURATION_MINUTES must be positive, got %d", c.Lockout.DurationMinutes)
	case c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0:
		return fmt.Errorf("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	case c.DefaultRole == "":
		return fmt.Errorf("DEFAULT_ROLE must not be empty")
	}
	return nil
}
