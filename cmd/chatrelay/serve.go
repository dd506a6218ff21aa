package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatrelay/internal/auth"
	"chatrelay/internal/csrf"
	"chatrelay/internal/guard"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/relay"
	"chatrelay/internal/settings"
	"chatrelay/internal/userlock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Bool("user_lock", cfg.Redis.LockEnabled).
		Msg("starting chatrelay")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := openCore(ctx, cfg, cfg.DB.AutoMigrate)
	if err != nil {
		return err
	}
	defer c.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	cache := settings.NewCache(c.settings, cfg.Relay.SettingsCacheTTL)

	var locker relay.Locker
	if cfg.Redis.LockEnabled {
		locker = userlock.New(rdb, userlock.Config{TTL: cfg.Redis.LockTTL, Wait: cfg.Redis.LockWait})
	}

	orch := relay.New(relay.Config{
		Store: c.store,
		Guard: guard.New(cfg.Relay.MessageMaxLength),
		Limiter: ratelimit.New(ratelimit.Config{
			Counter:  c.store,
			FailOpen: cfg.Relay.RateFailOpen,
			Logger:   log.Logger.With().Str("component", "ratelimit").Logger(),
			Metrics:  c.metrics,
		}),
		LLM:          c.llm,
		Settings:     cache,
		Locker:       locker,
		BusyErr:      userlock.ErrBusy,
		Logger:       log.Logger.With().Str("component", "relay").Logger(),
		Metrics:      c.metrics,
		ContextLimit: cfg.Relay.ContextLimit,
		HistoryLimit: cfg.Relay.HistoryLimit,
	})

	handler := httpapi.NewRouter(httpapi.Config{
		Auth:             auth.NewJWTAuthenticator(cfg.Auth.JWTSecret),
		CSRF:             csrf.New(rdb, cfg.Redis.CSRFTTL),
		Relay:            orch,
		Admin:            c.adminService(cache),
		Logger:           log.Logger.With().Str("component", "http").Logger(),
		Metrics:          c.metrics,
		MessageMaxLength: cfg.Relay.MessageMaxLength,
		HealthPath:       cfg.HTTP.HealthPath,
		MetricsPath:      cfg.HTTP.MetricsPath,
		Location:         time.Local,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return runErr
}
