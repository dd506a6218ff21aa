package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/admin"
	"chatrelay/internal/config"
	"chatrelay/internal/crypto"
	"chatrelay/internal/llm"
	"chatrelay/internal/metrics"
	"chatrelay/internal/providers/anthropic_messages"
	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

// core holds the pieces every command needs.
type core struct {
	cfg      *config.Config
	store    *storage.Store
	settings *settings.Store
	llm      *llm.Client
	metrics  *metrics.Metrics
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func openCore(ctx context.Context, cfg *config.Config, autoMigrate bool) (*core, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %s", redact(err, dsnPassword(cfg.DB.DSN)))
	}
	ring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize keyring: %w", err)
	}

	m := metrics.Global()
	provider := anthropic_messages.New(anthropic_messages.Config{
		BaseURL:    cfg.Provider.BaseURL,
		APIVersion: cfg.Provider.APIVersion,
		UserAgent:  cfg.Provider.UserAgent,
		HTTPClient: &http.Client{Timeout: cfg.Provider.Timeout},
	})
	return &core{
		cfg:   cfg,
		store: store,
		settings: settings.NewStore(settings.StoreConfig{
			Backend: store,
			Sealer:  ring,
			Logger:  log.Logger.With().Str("component", "settings").Logger(),
		}),
		llm: llm.New(llm.Config{
			Provider: provider,
			Logs:     store,
			Logger:   log.Logger.With().Str("component", "llm").Logger(),
			Metrics:  m,
		}),
		metrics: m,
	}, nil
}

func (c *core) Close() error {
	return c.store.Close()
}

func (c *core) adminService(cache admin.Invalidator) *admin.Service {
	return admin.New(admin.Config{
		Settings: c.settings,
		Cache:    cache,
		Store:    c.store,
		Prober:   c.llm,
		Logger:   log.Logger.With().Str("component", "admin").Logger(),
	})
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %s", redact(err, cfg.Redis.Password))
	}
	return rdb, nil
}

func dsnPassword(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return ""
	}
	p, _ := u.User.Password()
	return p
}
