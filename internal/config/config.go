// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultBootstrapAdmin is the admin that always exists and cannot be removed.
const DefaultBootstrapAdmin int64 = 8147394357

// Store backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Telegram struct {
		BotToken       string `env:"BOT_TOKEN,required" validate:"required"`
		BootstrapAdmin int64  `env:"BOOTSTRAP_ADMIN_ID" envDefault:"8147394357" validate:"required,gt=0"`
		// Moderation copies go here when set. Group ids are negative.
		LogGroupID int64 `env:"LOG_GROUP_ID"`
	}

	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		JSON  bool   `env:"LOG_JSON" envDefault:"false"`
	}

	Store struct {
		Driver      string `env:"DB_DRIVER" envDefault:"sqlite" validate:"oneof=memory sqlite postgres redis"`
		DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Driver postgres"`
		SQLitePath  string `env:"SQLITE_PATH" envDefault:"pairbot.db" validate:"required_if=Driver sqlite"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0,lte=15"`
	}

	NATSURL  string `env:"NATS_URL"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`

	Matching struct {
		MembershipTimeout time.Duration `env:"MEMBERSHIP_TIMEOUT" envDefault:"3s" validate:"gt=0"`
		KeepWaiting       bool          `env:"KEEP_WAITING" envDefault:"true"`
		CandidateSample   int           `env:"CANDIDATE_SAMPLE" envDefault:"20" validate:"gt=0,lte=1000"`
	}

	Jobs struct {
		VipSweepInterval time.Duration `env:"VIP_SWEEP_INTERVAL" envDefault:"10m" validate:"gt=0"`
		StatsInterval    time.Duration `env:"STATS_INTERVAL" envDefault:"30s" validate:"gt=0"`
	}

	Limits struct {
		// Per minute.
		Search int `env:"SEARCH_RATE_LIMIT" envDefault:"10" validate:"gte=0"`
		// Per ten seconds.
		Message int `env:"MESSAGE_RATE_LIMIT" envDefault:"20" validate:"gte=0"`
	}
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromMap parses cfg from vars instead of the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Store.Driver == DriverRedis && c.Redis.Addr == "" {
		return errors.New("config: invalid: REDIS_ADDR is required when DB_DRIVER=redis")
	}
	return nil
}

// UseRedis reports whether a Redis client is needed for the store or the
// rate limiter.
func (c *Config) UseRedis() bool {
	return c.Redis.Addr != ""
}

// Modlog configures the moderation log consumer. It shares the store and
// broker variables with the bot but needs no bot token.
type Modlog struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	Driver      string `env:"DB_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Driver postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"pairbot.db"`

	NATSURL string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222" validate:"required"`
	Queue   string `env:"MODLOG_QUEUE" envDefault:"modlog" validate:"required"`
}

// LoadModlog reads the consumer configuration.
func LoadModlog() (*Modlog, error) {
	_ = godotenv.Load()
	return parseModlog(env.Options{})
}

func parseModlog(opts env.Options) (*Modlog, error) {
	cfg := &Modlog{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}
