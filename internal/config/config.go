package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ClinicName  string `mapstructure:"CLINIC_NAME"`
	ClinicPhone string `mapstructure:"CLINIC_PHONE"`

	// Comma-separated channel names the dispatcher builds senders for.
	MessagingChannels string `mapstructure:"MESSAGING_CHANNELS"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Messaging session lifecycle.
	AckTrackingWindow     time.Duration `mapstructure:"ACK_TRACKING_WINDOW"`
	AutoExpireEnabled     bool          `mapstructure:"AUTO_EXPIRE_ENABLED"`
	MaxMessagesPerSession int           `mapstructure:"MAX_MESSAGES_PER_SESSION"`
	MaxActiveSessions     int           `mapstructure:"MAX_ACTIVE_SESSIONS"`
	CleanupInterval       time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	MaxSessionAge         time.Duration `mapstructure:"MAX_SESSION_AGE"`
	MaxHistorySize        int           `mapstructure:"MAX_HISTORY_SIZE"`
	KeepHistory           bool          `mapstructure:"KEEP_HISTORY"`

	// Provider callback authentication.
	ProviderWebhookSecret string `mapstructure:"PROVIDER_WEBHOOK_SECRET"`
	ProviderJWTSecret     string `mapstructure:"PROVIDER_JWT_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CLINIC_NAME", "the clinic")
	v.SetDefault("MESSAGING_CHANNELS", "whatsapp,sms")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100.0)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("ACK_TRACKING_WINDOW", "24h")
	v.SetDefault("AUTO_EXPIRE_ENABLED", true)
	v.SetDefault("MAX_MESSAGES_PER_SESSION", 1000)
	v.SetDefault("MAX_ACTIVE_SESSIONS", 25)
	v.SetDefault("CLEANUP_INTERVAL", "6h")
	v.SetDefault("MAX_SESSION_AGE", "48h")
	v.SetDefault("MAX_HISTORY_SIZE", 20)
	v.SetDefault("KEEP_HISTORY", true)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CLINIC_NAME")
	v.BindEnv("CLINIC_PHONE")
	v.BindEnv("MESSAGING_CHANNELS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("ACK_TRACKING_WINDOW")
	v.BindEnv("AUTO_EXPIRE_ENABLED")
	v.BindEnv("MAX_MESSAGES_PER_SESSION")
	v.BindEnv("MAX_ACTIVE_SESSIONS")
	v.BindEnv("CLEANUP_INTERVAL")
	v.BindEnv("MAX_SESSION_AGE")
	v.BindEnv("MAX_HISTORY_SIZE")
	v.BindEnv("KEEP_HISTORY")
	v.BindEnv("PROVIDER_WEBHOOK_SECRET")
	v.BindEnv("PROVIDER_JWT_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves comma-separated env values as a single string.
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production every
// provider callback must be authenticated, so at least one of the webhook
// HMAC secret and the JWT secret has to be set. Durations must be positive:
// a zero ACK window would expire every session immediately and a zero
// cleanup interval would spin the sweep goroutine.
func (c *Config) Validate() error {
	if c.IsProduction() && c.ProviderWebhookSecret == "" && c.ProviderJWTSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET or PROVIDER_JWT_SECRET is required in production")
	}
	if c.AckTrackingWindow <= 0 {
		return fmt.Errorf("ACK_TRACKING_WINDOW must be positive, got %s", c.AckTrackingWindow)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}
	if c.MaxSessionAge < c.AckTrackingWindow {
		return fmt.Errorf("MAX_SESSION_AGE (%s) must not be shorter than ACK_TRACKING_WINDOW (%s)",
			c.MaxSessionAge, c.AckTrackingWindow)
	}
	if c.MaxActiveSessions <= 0 {
		return fmt.Errorf("MAX_ACTIVE_SESSIONS must be positive, got %d", c.MaxActiveSessions)
	}
	if c.MaxMessagesPerSession <= 0 {
		return fmt.Errorf("MAX_MESSAGES_PER_SESSION must be positive, got %d", c.MaxMessagesPerSession)
	}
	return nil
}
