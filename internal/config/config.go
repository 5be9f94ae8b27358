package config

import (
	"time"

	"github.com/spf13/viper"

	"ratelimit/pkg/ratelimit"
)

// Config is the demo binary's full configuration, loaded from .env/the
// environment the way the teacher's config.LoadConfig does.
type Config struct {
	App   AppConfig
	Redis RedisConfig
	Quota QuotaConfig
	Admin AdminConfig
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env string
}

// RedisConfig holds connection settings for the coordination channel client.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Channel  string
}

// QuotaConfig is the .env-driven shape of a ratelimit.Quota. Fields whose
// variable is not set stay nil in the resulting Quota, matching its "absent
// means unbounded" semantics; a variable explicitly set to zero yields an
// explicit zero.
type QuotaConfig struct {
	Interval    time.Duration
	Rate        int64
	Concurrency int64
	MaxDelay    time.Duration
	FastStart   bool

	hasRate        bool
	hasConcurrency bool
	hasMaxDelay    bool
}

// AdminConfig holds the introspection/control HTTP surface's settings.
type AdminConfig struct {
	Port      string
	JWTSecret string
}

// LoadConfig loads Config from .env and the environment, following the
// teacher's viper.SetConfigFile + AutomaticEnv pattern.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	quotaInterval, err := time.ParseDuration(viper.GetString("QUOTA_INTERVAL"))
	if err != nil {
		quotaInterval = time.Second
	}
	maxDelay, err := time.ParseDuration(viper.GetString("QUOTA_MAX_DELAY"))
	if err != nil {
		maxDelay = 0
	}

	cfg := &Config{
		App: AppConfig{
			Env: viper.GetString("APP_ENV"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetString("REDIS_PORT"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
			Channel:  viper.GetString("REDIS_CHANNEL"),
		},
		Quota: QuotaConfig{
			Interval:       quotaInterval,
			Rate:           viper.GetInt64("QUOTA_RATE"),
			Concurrency:    viper.GetInt64("QUOTA_CONCURRENCY"),
			MaxDelay:       maxDelay,
			FastStart:      viper.GetBool("QUOTA_FAST_START"),
			hasRate:        viper.IsSet("QUOTA_RATE"),
			hasConcurrency: viper.IsSet("QUOTA_CONCURRENCY"),
			hasMaxDelay:    viper.IsSet("QUOTA_MAX_DELAY"),
		},
		Admin: AdminConfig{
			Port:      viper.GetString("ADMIN_PORT"),
			JWTSecret: viper.GetString("ADMIN_JWT_SECRET"),
		},
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "ratelimit:coordination"
	}
	if cfg.Admin.Port == "" {
		cfg.Admin.Port = "8090"
	}

	return cfg, nil
}

// Quota builds the ratelimit.Quota described by this configuration.
func (c QuotaConfig) Quota() ratelimit.Quota {
	q := ratelimit.Quota{FastStart: c.FastStart}
	if c.hasRate {
		q.Rate = ratelimit.Int64(c.Rate)
		q.Interval = ratelimit.Int64(c.Interval.Milliseconds())
	}
	if c.hasConcurrency {
		q.Concurrency = ratelimit.Int64(c.Concurrency)
	}
	if c.hasMaxDelay {
		q.MaxDelay = ratelimit.Int64(c.MaxDelay.Milliseconds())
	}
	return q
}

// Addr returns the host:port redis.Options.Addr for this configuration.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}
