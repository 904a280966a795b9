package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported DB_DRIVER values.
const (
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	// データベース接続設定
	DBDriver    string `env:"DB_DRIVER" envDefault:"mysql"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      string `env:"DB_PORT" envDefault:"3306"`
	DBUser      string `env:"DB_USER"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBName      string `env:"DB_NAME"`
	DBPath      string `env:"DB_PATH" envDefault:"chathub.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// サーバー設定
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	Env        string `env:"ENV" envDefault:"development"`

	// CORS設定
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`

	// 認証設定
	JWTKey             string `env:"JWT_KEY"`
	AllowAnonymousJoin bool   `env:"ALLOW_ANONYMOUS_JOIN" envDefault:"false"`

	// WebSocket設定
	MaxMessageSize          int64         `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
	RateLimitBurst          int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
	SendBuffer              int           `env:"SEND_BUFFER" envDefault:"256"`
	MaxInflight             int           `env:"MAX_INFLIGHT" envDefault:"8"`

	// マルチノード配信設定
	RedisURL     string `env:"REDIS_URL"`
	NodeID       string `env:"NODE_ID"`
	RelayChannel string `env:"RELAY_CHANNEL" envDefault:"chathub.events"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch c.DBDriver {
	case DriverMySQL, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	origins := c.AllowedOrigins[:0]
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive")
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	if c.RateLimitRefillInterval <= 0 {
		c.RateLimitRefillInterval = time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 1
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 1
	}
	return nil
}

// AllowsAllOrigins reports whether the origin allow-list contains "*".
func (c Config) AllowsAllOrigins() bool {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}
