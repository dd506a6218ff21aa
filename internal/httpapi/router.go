// Package httpapi exposes the relay and admin operations over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatrelay/internal/admin"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"
	"chatrelay/internal/storage"
)

type Authenticator interface {
	Authenticate(r *http.Request) (*relay.Identity, bool)
}

type CSRF interface {
	Issue(ctx context.Context, sessionID string) (string, error)
	Verify(ctx context.Context, sessionID, token string) bool
}

type Relay interface {
	Relay(ctx context.Context, id *relay.Identity, message string) (relay.Reply, error)
	History(ctx context.Context, id *relay.Identity) ([]storage.ChatMessage, error)
	ClearHistory(ctx context.Context, id *relay.Identity) error
}

type Admin interface {
	CurrentConfig(ctx context.Context) (admin.ConfigView, error)
	SaveConfig(ctx context.Context, req admin.SaveConfigRequest) (admin.ConfigView, error)
	TestAPI(ctx context.Context) bool
	ViewLogs(ctx context.Context) ([]storage.LogEntry, error)
	ClearLogs(ctx context.Context) error
	UsageStats(ctx context.Context, days []int, userID int64) ([]storage.UsageStats, error)
	TopUsers(ctx context.Context) ([]storage.UserUsage, error)
	Status(ctx context.Context) (admin.Status, error)
}

type Config struct {
	Auth             Authenticator
	CSRF             CSRF
	Relay            Relay
	Admin            Admin
	Renderer         Renderer
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics
	MessageMaxLength int
	HealthPath       string
	MetricsPath      string
	Location         *time.Location
}

type Server struct {
	auth      Authenticator
	csrf      CSRF
	relay     Relay
	admin     Admin
	renderer  Renderer
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	maxLength int
	loc       *time.Location
}

func NewRouter(cfg Config) http.Handler {
	if cfg.Renderer == nil {
		cfg.Renderer = JSONRenderer{}
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MessageMaxLength <= 0 {
		cfg.MessageMaxLength = 4000
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Server{
		auth:      cfg.Auth,
		csrf:      cfg.CSRF,
		relay:     cfg.Relay,
		admin:     cfg.Admin,
		renderer:  cfg.Renderer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		maxLength: cfg.MessageMaxLength,
		loc:       cfg.Location,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Get("/chat", s.chatView)
	r.Post("/chat", s.chatAction)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/config", s.adminConfig)
		r.Get("/logs", s.adminLogs)
		r.Get("/stats", s.adminStats)
		r.Get("/status", s.adminStatus)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminCSRF)
			r.Post("/config", s.adminSaveConfig)
			r.Post("/test", s.adminTestAPI)
			r.Post("/logs/clear", s.adminClearLogs)
		})
	})
	return r
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
