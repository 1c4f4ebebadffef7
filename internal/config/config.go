package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	DBDebug              bool
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret        string
	JWTTTL           time.Duration
	OperatorEmail    string
	OperatorPassword string

	LogMode  string
	Location *time.Location

	Redis      RedisConfig
	Dispatcher DispatcherConfig
	Notify     NotifyConfig
	Janitor    JanitorConfig
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration

	ReminderConcurrency int
	ChainConcurrency    int
}

type NotifyConfig struct {
	WebhookURL string
	RatePerSec int
}

type JanitorConfig struct {
	Spec      string
	Retention time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		DBDebug:              getenv("DB_DEBUG", "false") == "true",
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		JWTTTL:               time.Duration(getenvInt("JWT_TTL_HOURS", 12)) * time.Hour,
		OperatorEmail:        strings.ToLower(getenv("OPERATOR_EMAIL", "")),
		OperatorPassword:     getenv("OPERATOR_PASSWORD", ""),
		LogMode:              getenv("LOG_MODE", "dev"),
		Redis:                loadRedisConfig(),
		Dispatcher: DispatcherConfig{
			Workers:             getenvInt("DISPATCH_WORKERS", 4),
			PollInterval:        time.Duration(getenvInt("DISPATCH_POLL_MS", 800)) * time.Millisecond,
			Lease:               time.Duration(getenvInt("DISPATCH_LEASE_SECONDS", 300)) * time.Second,
			MaxAttempts:         getenvInt("DISPATCH_MAX_ATTEMPTS", 8),
			RetryBase:           time.Duration(getenvInt("DISPATCH_RETRY_BASE_SECONDS", 2)) * time.Second,
			RetryMax:            time.Duration(getenvInt("DISPATCH_RETRY_MAX_SECONDS", 600)) * time.Second,
			ReminderConcurrency: getenvInt("REMINDER_CONCURRENCY", 4),
			ChainConcurrency:    getenvInt("CHAIN_CONCURRENCY", 2),
		},
		Notify: NotifyConfig{
			WebhookURL: getenv("NOTIFY_WEBHOOK_URL", ""),
			RatePerSec: getenvInt("NOTIFY_RATE_PER_SEC", 10),
		},
		Janitor: JanitorConfig{
			Spec:      getenv("JANITOR_SPEC", "@every 10m"),
			Retention: time.Duration(getenvInt("JANITOR_RETENTION_HOURS", 24*30)) * time.Hour,
		},
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	loc, err := time.LoadLocation(getenv("APP_TIMEZONE", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid APP_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	cfg.JWTSecret = mustGetenv("JWT_SECRET")

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := getenv("REDIS_ADDR", "")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getenvInt("REDIS_DB", 0),
		TTL:      time.Duration(getenvInt("REDIS_TTL_SECONDS", 7*86400)) * time.Second,
	}
}

func validate(cfg Config) {
	d := cfg.Dispatcher
	if d.Workers <= 0 {
		panic("DISPATCH_WORKERS must be > 0")
	}
	if d.PollInterval <= 0 {
		panic("DISPATCH_POLL_MS must be > 0")
	}
	if d.Lease <= 0 {
		panic("DISPATCH_LEASE_SECONDS must be > 0")
	}
	if d.MaxAttempts <= 0 {
		panic("DISPATCH_MAX_ATTEMPTS must be > 0")
	}
	if d.RetryBase <= 0 || d.RetryMax < d.RetryBase {
		panic("DISPATCH_RETRY_BASE_SECONDS must be > 0 and <= DISPATCH_RETRY_MAX_SECONDS")
	}
	if d.ReminderConcurrency <= 0 || d.ChainConcurrency <= 0 {
		panic("REMINDER_CONCURRENCY and CHAIN_CONCURRENCY must be > 0")
	}
	if cfg.Notify.RatePerSec <= 0 {
		panic("NOTIFY_RATE_PER_SEC must be > 0")
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
