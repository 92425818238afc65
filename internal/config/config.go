package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	StoreDriver           string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	RedisAddr             string
	KafkaBrokers          []string
	KafkaNotifyTopic      string
	MessageRateLimit      int
	MessageRateWindow     time.Duration
	TypingTimeout         time.Duration
	AllowedOrigins        []string
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// getenvInt falls back to def for unparsable or non-positive values.
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 从环境变量读取配置，缺省或非法值回退到默认值。
func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", ""),
		StoreDriver:           strings.ToLower(getenv("STORE_DRIVER", "postgres")),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=carscanada port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		RedisAddr:             getenv("REDIS_ADDR", ""),
		KafkaBrokers:          splitList(getenv("KAFKA_BROKERS", "")),
		KafkaNotifyTopic:      getenv("KAFKA_NOTIFY_TOPIC", "carscanada.notifications.v1"),
		MessageRateLimit:      getenvInt("MESSAGE_RATE_LIMIT", 10),
		MessageRateWindow:     getenvDuration("MESSAGE_RATE_WINDOW", 60*time.Second),
		TypingTimeout:         getenvDuration("TYPING_TIMEOUT", 3*time.Second),
		AllowedOrigins:        splitList(getenv("ALLOWED_ORIGINS", "*")),
	}
}

// Validate 校验启动所需的关键配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	switch cfg.StoreDriver {
	case "", "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required for the postgres store")
		}
	case "memory":
	default:
		return errors.New("unsupported STORE_DRIVER: " + cfg.StoreDriver)
	}
	if cfg.Env != "dev" && (cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret) {
		return errors.New("JWT_SECRET must be set outside dev")
	}
	if cfg.MessageRateLimit <= 0 || cfg.MessageRateWindow <= 0 {
		return errors.New("message rate limit must be positive")
	}
	if cfg.TypingTimeout <= 0 {
		return errors.New("TYPING_TIMEOUT must be positive")
	}
	return nil
}
