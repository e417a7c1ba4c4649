// Package main runs the disaster-alert relay: three feed watchers fanning
// seismic, tsunami and public-alert notifications out to registered
// destinations, plus an admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"disaster-relay/command"
	"disaster-relay/config"
	"disaster-relay/dispatch"
	"disaster-relay/email"
	"disaster-relay/feed"
	"disaster-relay/gate"
	"disaster-relay/geocode"
	"disaster-relay/observability"
	"disaster-relay/server"
	"disaster-relay/storage"
	"disaster-relay/watch"
)

type runner interface {
	Name() string
	Run(ctx context.Context)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	registry, err := storage.Load(ctx, backend, logger)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	metrics := observability.NewMetrics()
	notifications := gate.New()

	router, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(registry, router, metrics, logger)

	feeds := feed.New(&http.Client{Timeout: cfg.FeedTimeout}, feed.Config{
		SeismicURL: cfg.SeismicFeedURL,
		TsunamiURL: cfg.TsunamiFeedURL,
		AlertURL:   cfg.AlertFeedURL,
	}, logger)

	geocoder := geocode.NewCached(
		geocode.NewNominatim(cfg.NominatimURL, cfg.NominatimUserAgent, cfg.GeocodeTimeout, logger),
		cfg.GeocodeCacheSize,
		metrics)

	commands := command.New(registry, geocoder, notifications, metrics, logger).
		WithDestinationNormalizer(router.Normalize)

	runners, err := buildWatchers(cfg, feeds, registry, watch.Deps{
		Gate:       notifications,
		Watermarks: registry,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Relay starting",
		"storage", cfg.StorageMode(),
		"default_platform", cfg.DefaultPlatform,
		"platforms", router.Platforms(),
		"tsunami_repeat_notify", cfg.TsunamiRepeatNotify,
		"admin_api", cfg.AdminToken != "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	srv := server.New(&server.Config{
		Commands:   commands,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
	})
	serveErr := srv.ListenAndServe(ctx, cfg.Port, cfg.ShutdownTimeout)

	// The server only returns early on a listen error; stop the watchers too.
	if serveErr != nil && ctx.Err() == nil {
		logger.Error("HTTP server failed", "error", serveErr)
	}
	cancel()
	waitWithTimeout(&wg, cfg.ShutdownTimeout, logger)
	return serveErr
}

func buildWatchers(cfg *config.Config, feeds *feed.Client, registry *storage.Registry, deps watch.Deps) ([]runner, error) {
	seismic, err := watch.New(watch.SeismicSource(feeds, registry, cfg.SeismicInterval), deps)
	if err != nil {
		return nil, err
	}
	tsunami, err := watch.New(watch.TsunamiSource(feeds, cfg.TsunamiInterval, cfg.TsunamiRepeatNotify), deps)
	if err != nil {
		return nil, err
	}
	alert, err := watch.New(watch.AlertSource(feeds, cfg.AlertInterval), deps)
	if err != nil {
		return nil, err
	}
	return []runner{seismic, tsunami, alert}, nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All watchers stopped")
	case <-time.After(timeout):
		logger.Warn("Watchers still running after shutdown timeout", "timeout", timeout.String())
	}
}

// openBackend selects the registry backend: Redis, then Cloud Storage, then local files.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	switch cfg.StorageMode() {
	case "redis":
		client, err := storage.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Redis registry storage", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return storage.NewRedisBackend(client, cfg.RedisPrefix), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	case "gcs":
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage registry storage", "bucket", cfg.StorageBucket)
		return storage.NewGCSBackend(client, cfg.StorageBucket, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		backend, err := storage.NewFileBackend(cfg.LocalStorage, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using local registry storage", "storage_path", cfg.LocalStorage)
		return backend, func() {}, nil
	}
}

// buildRouter registers every platform with credentials. The mock platform
// is always available, and email falls back to a logging provider.
func buildRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatch.Router, error) {
	router := dispatch.NewRouter(cfg.DefaultPlatform)
	router.Register(config.PlatformMock, dispatch.NewMock(logger))

	if cfg.DiscordBotToken != "" {
		router.Register(config.PlatformDiscord, dispatch.NewDiscord(cfg.DiscordBotToken, nil, logger))
	}
	if cfg.TelegramBotToken != "" {
		router.Register(config.PlatformTelegram, dispatch.NewTelegram(cfg.TelegramBotToken, nil, logger))
	}

	provider, err := emailProvider(ctx, cfg, logger)
	switch {
	case err != nil && cfg.DefaultPlatform == config.PlatformEmail:
		return nil, err
	case err != nil:
		logger.Warn("Email delivery disabled", "error", err)
	default:
		router.Register(config.PlatformEmail, dispatch.NewEmail(email.New(provider, logger)))
	}
	return router, nil
}

func emailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch {
	case cfg.GoogleCredentialsJSON != "":
		service, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Info("Email delivery via Gmail API")
		return email.NewGmailProvider(service, cfg.EmailFrom, logger), nil
	case cfg.BrevoAPIKey != "":
		if cfg.EmailFrom == "" {
			return nil, errors.New("EMAIL_FROM is required with BREVO_API_KEY")
		}
		logger.Info("Email delivery via Brevo")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, "Disaster Relay", logger), nil
	default:
		logger.Info("Email delivery in mock mode, alerts are logged only")
		return email.NewMockProvider(logger), nil
	}
}
