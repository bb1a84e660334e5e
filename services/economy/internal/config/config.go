package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/promptmarket/economy/libs/apikey"
	base "github.com/promptmarket/economy/libs/config"
	"github.com/promptmarket/economy/services/economy/internal/ledger"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	UsersRegistered string
	Audit           string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type SessionConfig struct {
	MaxDevices      int
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

type RewardsConfig struct {
	SignupBonus   int64
	ReferralBonus int64
	BonusTTL      time.Duration
}

type ScheduleConfig struct {
	DeviceCleanup string
	CreditExpiry  string
}

type Config struct {
	App             base.AppConfig
	DB              DBConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	JWTSecret       string
	AdminKeys       []apikey.Record
	Sessions        SessionConfig
	Rewards         RewardsConfig
	Packages        []ledger.Package
	Schedule        ScheduleConfig
	ShutdownTimeout time.Duration
}

type packageConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Credits    int64  `mapstructure:"credits"`
	PriceCents int64  `mapstructure:"price_cents"`
}

type adminKeyConfig struct {
	ID          string   `mapstructure:"id"`
	Owner       string   `mapstructure:"owner"`
	KeyHash     string   `mapstructure:"key_hash"`
	Scopes      []string `mapstructure:"scopes"`
	IPWhitelist []string `mapstructure:"ip_whitelist"`
}

// Load reads ECON_CONFIG (default config.yaml) plus environment overrides.
func Load() (*Config, error) {
	appCfg, v, err := base.Load(os.Getenv("ECON_CONFIG"))
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	var packages []packageConfig
	if err := v.UnmarshalKey("credits.packages", &packages); err != nil {
		return nil, fmt.Errorf("credits.packages: %w", err)
	}
	var keys []adminKeyConfig
	if err := v.UnmarshalKey("admin.api_keys", &keys); err != nil {
		return nil, fmt.Errorf("admin.api_keys: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "economy"),
			User:     envString("POSTGRES_USER", "economy"),
			Password: envString("POSTGRES_PASSWORD", "economy"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				UsersRegistered: envString("KAFKA_USERS_REGISTERED_TOPIC", v.GetString("kafka.topics.users_registered")),
				Audit:           envString("KAFKA_AUDIT_TOPIC", v.GetString("kafka.topics.audit")),
				DeadLetter:      envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		JWTSecret: envString("ECON_JWT_SECRET", v.GetString("auth.jwt_secret")),
		Sessions: SessionConfig{
			MaxDevices:      envInt("ECON_MAX_DEVICES", v.GetInt("sessions.max_devices")),
			LoginRateLimit:  envInt("ECON_LOGIN_RATE_LIMIT", v.GetInt("sessions.login_rate_limit")),
			LoginRateWindow: envDuration("ECON_LOGIN_RATE_WINDOW", v.GetDuration("sessions.login_rate_window")),
		},
		Rewards: RewardsConfig{
			SignupBonus:   int64(envInt("ECON_SIGNUP_BONUS", v.GetInt("rewards.signup_bonus"))),
			ReferralBonus: int64(envInt("ECON_REFERRAL_BONUS", v.GetInt("rewards.referral_bonus"))),
			BonusTTL:      envDuration("ECON_BONUS_TTL", v.GetDuration("rewards.bonus_ttl")),
		},
		Schedule: ScheduleConfig{
			DeviceCleanup: envString("ECON_CLEANUP_SCHEDULE", v.GetString("schedule.device_cleanup")),
			CreditExpiry:  envString("ECON_EXPIRY_SCHEDULE", v.GetString("schedule.credit_expiry")),
		},
		ShutdownTimeout: envDuration("ECON_SHUTDOWN_TIMEOUT", v.GetDuration("shutdown_timeout")),
	}

	for _, p := range packages {
		cfg.Packages = append(cfg.Packages, ledger.Package{
			ID:         strings.TrimSpace(p.ID),
			Name:       p.Name,
			Credits:    p.Credits,
			PriceCents: p.PriceCents,
		})
	}
	for _, k := range keys {
		cfg.AdminKeys = append(cfg.AdminKeys, apikey.Record{
			ID:          k.ID,
			Owner:       k.Owner,
			KeyHash:     strings.TrimSpace(k.KeyHash),
			Scopes:      k.Scopes,
			IPWhitelist: k.IPWhitelist,
		})
	}
	if hash := envString("ECON_ADMIN_KEY_HASH", ""); hash != "" {
		cfg.AdminKeys = append(cfg.AdminKeys, apikey.Record{
			ID:          "env",
			Owner:       "env",
			KeyHash:     hash,
			Scopes:      []string{"*"},
			IPWhitelist: envCSV("ECON_ADMIN_IP_WHITELIST", nil),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("ECON_JWT_SECRET must be set")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.Topics.UsersRegistered == "" || c.Kafka.Topics.Audit == "" || c.Kafka.Topics.DeadLetter == "" {
		return fmt.Errorf("kafka topics required")
	}
	if c.Sessions.MaxDevices <= 0 {
		return fmt.Errorf("sessions.max_devices must be positive")
	}
	if c.Sessions.LoginRateLimit <= 0 || c.Sessions.LoginRateWindow <= 0 {
		return fmt.Errorf("login rate limit and window must be positive")
	}
	if c.Rewards.SignupBonus < 0 || c.Rewards.ReferralBonus < 0 || c.Rewards.BonusTTL < 0 {
		return fmt.Errorf("rewards must not be negative")
	}

	seen := map[string]bool{}
	for _, p := range c.Packages {
		if p.ID == "" {
			return fmt.Errorf("credit package id required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate credit package %q", p.ID)
		}
		seen[p.ID] = true
		if p.Credits <= 0 || p.PriceCents < 0 {
			return fmt.Errorf("credit package %q: credits must be positive", p.ID)
		}
	}

	for _, k := range c.AdminKeys {
		if k.KeyHash == "" {
			return fmt.Errorf("admin key %q: key_hash required", k.ID)
		}
		if err := apikey.ValidateIPWhitelist(k.IPWhitelist); err != nil {
			return fmt.Errorf("admin key %q: %w", k.ID, err)
		}
	}

	for name, spec := range map[string]string{
		"schedule.device_cleanup": c.Schedule.DeviceCleanup,
		"schedule.credit_expiry":  c.Schedule.CreditExpiry,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "economy-service")
	v.SetDefault("kafka.topics.users_registered", "users.registered")
	v.SetDefault("kafka.topics.audit", "economy.audit")
	v.SetDefault("kafka.topics.dead_letter", "economy.dlq")
	v.SetDefault("sessions.max_devices", 3)
	v.SetDefault("sessions.login_rate_limit", 10)
	v.SetDefault("sessions.login_rate_window", "1m")
	v.SetDefault("rewards.signup_bonus", 50)
	v.SetDefault("rewards.referral_bonus", 25)
	v.SetDefault("rewards.bonus_ttl", "0s")
	v.SetDefault("schedule.device_cleanup", "@daily")
	v.SetDefault("schedule.credit_expiry", "@daily")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("credits.packages", []map[string]any{
		{"id": "starter", "name": "Starter", "credits": 100, "price_cents": 499},
		{"id": "creator", "name": "Creator", "credits": 550, "price_cents": 1999},
		{"id": "studio", "name": "Studio", "credits": 1200, "price_cents": 3999},
	})
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
