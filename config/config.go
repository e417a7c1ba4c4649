// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Delivery platforms.
const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
	PlatformEmail    = "email"
	PlatformMock     = "mock"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	Port            string
	AdminToken      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Registry storage; the first non-empty of RedisAddr, StorageBucket,
	// LocalStorage is used.
	RedisAddr     string
	RedisPrefix   string
	StorageBucket string
	LocalStorage  string

	// Delivery.
	DefaultPlatform       string
	DiscordBotToken       string
	TelegramBotToken      string
	GoogleCredentialsJSON string
	BrevoAPIKey           string
	EmailFrom             string

	// Watchers.
	SeismicInterval     time.Duration
	TsunamiInterval     time.Duration
	AlertInterval       time.Duration
	TsunamiRepeatNotify bool
	SeismicFeedURL      string
	TsunamiFeedURL      string
	AlertFeedURL        string
	FeedTimeout         time.Duration

	// Geocoding.
	NominatimURL       string
	NominatimUserAgent string
	GeocodeTimeout     time.Duration
	GeocodeCacheSize   int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(envOrDefault(key, def))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		}
		return d
	}

	repeat, err := strconv.ParseBool(envOrDefault("TSUNAMI_REPEAT_NOTIFY", "true"))
	if err != nil {
		errs = append(errs, errors.New("invalid TSUNAMI_REPEAT_NOTIFY: must be a boolean"))
	}

	cacheSize, err := strconv.Atoi(envOrDefault("GEOCODE_CACHE_SIZE", "1000"))
	if err != nil || cacheSize <= 0 {
		errs = append(errs, errors.New("invalid GEOCODE_CACHE_SIZE: must be a positive integer"))
	}

	cfg := &Config{
		Port:            envOrDefault("PORT", "8080"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", "10s"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPrefix:   envOrDefault("REDIS_PREFIX", "relay:"),
		StorageBucket: os.Getenv("STORAGE_BUCKET"),
		LocalStorage:  envOrDefault("LOCAL_STORAGE", "./data"),

		DefaultPlatform:       strings.ToLower(os.Getenv("DEFAULT_PLATFORM")),
		DiscordBotToken:       os.Getenv("DISCORD_BOT_TOKEN"),
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		BrevoAPIKey:           os.Getenv("BREVO_API_KEY"),
		EmailFrom:             os.Getenv("EMAIL_FROM"),

		SeismicInterval:     duration("SEISMIC_INTERVAL", "30s"),
		TsunamiInterval:     duration("TSUNAMI_INTERVAL", "60s"),
		AlertInterval:       duration("ALERT_INTERVAL", "120s"),
		TsunamiRepeatNotify: repeat,
		SeismicFeedURL:      os.Getenv("SEISMIC_FEED_URL"),
		TsunamiFeedURL:      os.Getenv("TSUNAMI_FEED_URL"),
		AlertFeedURL:        os.Getenv("ALERT_FEED_URL"),
		FeedTimeout:         duration("FEED_TIMEOUT", "10s"),

		NominatimURL:       os.Getenv("NOMINATIM_URL"),
		NominatimUserAgent: envOrDefault("NOMINATIM_USER_AGENT", "quake_bot"),
		GeocodeTimeout:     duration("GEOCODE_TIMEOUT", "10s"),
		GeocodeCacheSize:   cacheSize,
	}

	if cfg.DefaultPlatform == "" {
		cfg.DefaultPlatform = cfg.inferPlatform()
	}
	if err := cfg.validatePlatform(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// inferPlatform picks the first platform with credentials, falling back to mock.
func (c *Config) inferPlatform() string {
	switch {
	case c.DiscordBotToken != "":
		return PlatformDiscord
	case c.TelegramBotToken != "":
		return PlatformTelegram
	case c.GoogleCredentialsJSON != "" || c.BrevoAPIKey != "":
		return PlatformEmail
	default:
		return PlatformMock
	}
}

func (c *Config) validatePlatform() error {
	switch c.DefaultPlatform {
	case PlatformDiscord:
		if c.DiscordBotToken == "" {
			return errors.New("DEFAULT_PLATFORM is discord but DISCORD_BOT_TOKEN is not set")
		}
	case PlatformTelegram:
		if c.TelegramBotToken == "" {
			return errors.New("DEFAULT_PLATFORM is telegram but TELEGRAM_BOT_TOKEN is not set")
		}
	case PlatformEmail:
		if c.GoogleCredentialsJSON == "" && c.BrevoAPIKey == "" {
			return errors.New("DEFAULT_PLATFORM is email but neither GOOGLE_CREDENTIALS_JSON nor BREVO_API_KEY is set")
		}
		if c.BrevoAPIKey != "" && c.GoogleCredentialsJSON == "" && c.EmailFrom == "" {
			return errors.New("EMAIL_FROM is required with BREVO_API_KEY")
		}
	case PlatformMock:
	default:
		return fmt.Errorf("unknown DEFAULT_PLATFORM %q (want discord, telegram, email or mock)", c.DefaultPlatform)
	}
	return nil
}

// StorageMode names the registry backend Load selected.
func (c *Config) StorageMode() string {
	switch {
	case c.RedisAddr != "":
		return "redis"
	case c.StorageBucket != "":
		return "gcs"
	default:
		return "local"
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
