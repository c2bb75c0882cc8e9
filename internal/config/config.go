package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Sync      SyncConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

type RateLimitConfig struct {
	Enabled       bool
	RPS           float64
	Burst         int
	UseRedis      bool
	WindowSeconds int
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	LivenessWindow    time.Duration
	KeepaliveInterval time.Duration
	StreamBuffer      int
	// ReaperIdle > 0 enables removal of documents idle for that long.
	ReaperIdle     time.Duration
	ReaperInterval time.Duration
}

// LoadConfig loads configuration from environment variables and an optional
// .env file in the working directory.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "5010")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RPS", 20.0)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("RATE_LIMIT_USE_REDIS", false)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("SYNC_LIVENESS_WINDOW", "30s")
	v.SetDefault("SYNC_KEEPALIVE_INTERVAL", "30s")
	v.SetDefault("SYNC_STREAM_BUFFER", 64)
	v.SetDefault("SYNC_REAPER_IDLE", "0s")
	v.SetDefault("SYNC_REAPER_INTERVAL", "1m")

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("SERVER_PORT"),
			Host:        v.GetString("SERVER_HOST"),
			Environment: v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout: 30 * time.Second,
			// event streams are long-lived; the write deadline is left open
			WriteTimeout: 0,
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		Sync: SyncConfig{
			LivenessWindow:    v.GetDuration("SYNC_LIVENESS_WINDOW"),
			KeepaliveInterval: v.GetDuration("SYNC_KEEPALIVE_INTERVAL"),
			StreamBuffer:      v.GetInt("SYNC_STREAM_BUFFER"),
			ReaperIdle:        v.GetDuration("SYNC_REAPER_IDLE"),
			ReaperInterval:    v.GetDuration("SYNC_REAPER_INTERVAL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Sync.LivenessWindow <= 0 {
		return fmt.Errorf("SYNC_LIVENESS_WINDOW must be positive, got %s", c.Sync.LivenessWindow)
	}
	if c.Sync.KeepaliveInterval <= 0 {
		return fmt.Errorf("SYNC_KEEPALIVE_INTERVAL must be positive, got %s", c.Sync.KeepaliveInterval)
	}
	if c.Sync.StreamBuffer <= 0 {
		return fmt.Errorf("SYNC_STREAM_BUFFER must be positive, got %d", c.Sync.StreamBuffer)
	}
	if c.Sync.ReaperIdle < 0 {
		return fmt.Errorf("SYNC_REAPER_IDLE must not be negative, got %s", c.Sync.ReaperIdle)
	}
	if c.Sync.ReaperIdle > 0 && c.Sync.ReaperInterval <= 0 {
		return fmt.Errorf("SYNC_REAPER_INTERVAL must be positive when the reaper is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 0) {
		return fmt.Errorf("rate limit needs RATE_LIMIT_RPS > 0 and RATE_LIMIT_BURST >= 0")
	}
	return nil
}
