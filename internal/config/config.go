package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string        `env:"ADDR" envDefault:":8080"`
	DSN         string        `env:"DB_DSN,required,notEmpty"`
	JWTSecret   string        `env:"JWT_SECRET,required,notEmpty"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	Environment string        `env:"APP_ENV" envDefault:"development"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string        `env:"LOG_FILE"`

	Chat ChatConfig `envPrefix:"CHAT_"`

	// EnvFileLoaded reports whether Load found a dotenv file. Not read from
	// the environment.
	EnvFileLoaded bool
}

// ChatConfig tunes the live session engine.
type ChatConfig struct {
	SendBuffer     int           `env:"SEND_BUFFER" envDefault:"256"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads optional dotenv files (".env" when none are named), then the
// process environment. Variables already set in the process win.
func Load(files ...string) (*Config, error) {
	loaded := godotenv.Load(files...) == nil
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	cfg.EnvFileLoaded = loaded
	return cfg, nil
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.Chat.SendBuffer <= 0 {
		errs = append(errs, errors.New("CHAT_SEND_BUFFER must be positive"))
	}
	if c.Chat.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("CHAT_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.Chat.PersistTimeout <= 0 {
		errs = append(errs, errors.New("CHAT_PERSIST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
