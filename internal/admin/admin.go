// Package admin backs the administrative surface: provider configuration,
// connectivity checks, the failure log and usage statistics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"chatrelay/internal/settings"
	"chatrelay/internal/storage"
)

var apiKeyPattern = regexp.MustCompile(`^sk-ant-[a-zA-Z0-9_-]+$`)

// DefaultUsageWindows are the day windows shown when none are requested.
var DefaultUsageWindows = []int{1, 7, 30, 90}

const (
	topUsersWindowDays = 30
	topUsersLimit      = 10
	maxUsageWindowDays = 3650
)

type SettingsStore interface {
	Load(ctx context.Context) (settings.ProviderConfig, error)
	Save(ctx context.Context, u settings.Update) (settings.ProviderConfig, error)
}

type Invalidator interface {
	Invalidate()
}

type Store interface {
	ListLogs(ctx context.Context, limit int) ([]storage.LogEntry, error)
	ClearLogs(ctx context.Context) error
	UsageSince(ctx context.Context, userID int64, since int64) (storage.UsageStats, error)
	TopUsers(ctx context.Context, since int64, limit int) ([]storage.UserUsage, error)
	CheckSchema(ctx context.Context) ([]string, error)
}

type Prober interface {
	Probe(ctx context.Context, cfg settings.ProviderConfig) bool
}

// SaveConfigRequest holds the submitted fields; absent ones stay unchanged.
// An empty api_key also leaves the stored key alone.
type SaveConfigRequest struct {
	APIKey           *string  `json:"api_key" validate:"omitempty,anthropic_key"`
	Model            *string  `json:"model" validate:"omitempty,oneof=claude-3-haiku-20240307 claude-3-sonnet-20240229 claude-3-opus-20240229"`
	MaxTokens        *int     `json:"max_tokens" validate:"omitempty,min=100,max=4096"`
	Temperature      *float64 `json:"temperature" validate:"omitempty,min=0,max=1"`
	RateLimitPerHour *int     `json:"rate_limit_per_hour" validate:"omitempty,min=30,max=100"`
}

type ConfigView struct {
	APIKeyMasked     string   `json:"api_key_masked"`
	APIKeySet        bool     `json:"api_key_set"`
	Model            string   `json:"model"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	RateLimitPerHour int      `json:"rate_limit_per_hour"`
	AllowedModels    []string `json:"allowed_models"`
}

type Status struct {
	APIConnected  bool     `json:"api_connected"`
	TablesOK      bool     `json:"tables_ok"`
	MissingTables []string `json:"missing_tables,omitempty"`
}

// ValidationError lists rejected fields by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

type Config struct {
	Settings SettingsStore
	Cache    Invalidator
	Store    Store
	Prober   Prober
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	settings SettingsStore
	cache    Invalidator
	store    Store
	prober   Prober
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("anthropic_key", func(fl validator.FieldLevel) bool {
		return apiKeyPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Service{
		settings: cfg.Settings,
		cache:    cfg.Cache,
		store:    cfg.Store,
		prober:   cfg.Prober,
		validate: v,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

func (s *Service) CurrentConfig(ctx context.Context) (ConfigView, error) {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		return ConfigView{}, err
	}
	return viewOf(cfg), nil
}

// SaveConfig rejects the whole request when any submitted field is invalid.
func (s *Service) SaveConfig(ctx context.Context, req SaveConfigRequest) (ConfigView, error) {
	if req.APIKey != nil && strings.TrimSpace(*req.APIKey) == "" {
		req.APIKey = nil
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = describe(fe)
			}
			return ConfigView{}, &ValidationError{Fields: fields}
		}
		return ConfigView{}, fmt.Errorf("validate config: %w", err)
	}

	saved, err := s.settings.Save(ctx, settings.Update{
		APIKey:           req.APIKey,
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		RateLimitPerHour: req.RateLimitPerHour,
	})
	if err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			return ConfigView{}, &ValidationError{Fields: map[string]string{"config": err.Error()}}
		}
		return ConfigView{}, err
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	s.logger.Info().Bool("api_key_changed", req.APIKey != nil).Str("model", saved.Model).Msg("provider config saved")
	return viewOf(saved), nil
}

// TestAPI probes the provider with the stored config, bypassing any cache.
func (s *Service) TestAPI(ctx context.Context) bool {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("load provider config for api test")
		return false
	}
	return s.prober.Probe(ctx, cfg)
}

func (s *Service) ViewLogs(ctx context.Context) ([]storage.LogEntry, error) {
	return s.store.ListLogs(ctx, storage.MaxLogRows)
}

func (s *Service) ClearLogs(ctx context.Context) error {
	if err := s.store.ClearLogs(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("failure log cleared")
	return nil
}

// UsageStats reports one entry per window. userID 0 covers all users.
func (s *Service) UsageStats(ctx context.Context, days []int, userID int64) ([]storage.UsageStats, error) {
	if len(days) == 0 {
		days = DefaultUsageWindows
	}
	now := s.now()
	out := make([]storage.UsageStats, 0, len(days))
	for _, d := range days {
		if d <= 0 || d > maxUsageWindowDays {
			return nil, &ValidationError{Fields: map[string]string{"days": fmt.Sprintf("window %d out of range", d)}}
		}
		since := now.Add(-time.Duration(d) * 24 * time.Hour).Unix()
		st, err := s.store.UsageSince(ctx, userID, since)
		if err != nil {
			return nil, err
		}
		st.Days = d
		out = append(out, st)
	}
	return out, nil
}

// TopUsers ranks the ten busiest users of the last thirty days.
func (s *Service) TopUsers(ctx context.Context) ([]storage.UserUsage, error) {
	since := s.now().Add(-topUsersWindowDays * 24 * time.Hour).Unix()
	return s.store.TopUsers(ctx, since, topUsersLimit)
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	missing, err := s.store.CheckSchema(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		APIConnected:  s.TestAPI(ctx),
		TablesOK:      len(missing) == 0,
		MissingTables: missing,
	}, nil
}

func viewOf(cfg settings.ProviderConfig) ConfigView {
	return ConfigView{
		APIKeyMasked:     cfg.MaskedAPIKey(),
		APIKeySet:        cfg.APIKey != "",
		Model:            cfg.Model,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		RateLimitPerHour: cfg.RateLimitPerHour,
		AllowedModels:    settings.AllowedModels,
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "anthropic_key":
		return "must look like sk-ant-..."
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
