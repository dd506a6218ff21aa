// Package settings owns the provider configuration singleton: typed fields,
// their bounds, and their persistence as name/value rows with the API key
// sealed at rest.
package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"chatrelay/internal/crypto"
)

const (
	KeyAPIKey           = "api_key"
	KeyModel            = "model"
	KeyMaxTokens        = "max_tokens"
	KeyTemperature      = "temperature"
	KeyRateLimitPerHour = "rate_limit_per_hour"
)

const (
	MinMaxTokens        = 100
	MaxMaxTokens        = 4096
	MinTemperature      = 0.0
	MaxTemperature      = 1.0
	MinRateLimitPerHour = 30
	MaxRateLimitPerHour = 100
)

var AllowedModels = []string{
	"claude-3-haiku-20240307",
	"claude-3-sonnet-20240229",
	"claude-3-opus-20240229",
}

var ErrInvalid = errors.New("invalid provider config")

type ProviderConfig struct {
	APIKey           string
	Model            string
	MaxTokens        int
	Temperature      float64
	RateLimitPerHour int
}

func Defaults() ProviderConfig {
	return ProviderConfig{
		Model:            "claude-3-sonnet-20240229",
		MaxTokens:        1000,
		Temperature:      0.7,
		RateLimitPerHour: 30,
	}
}

func (c ProviderConfig) Validate() error {
	switch {
	case !slices.Contains(AllowedModels, c.Model):
		return fmt.Errorf("%w: model %q is not allowed", ErrInvalid, c.Model)
	case c.MaxTokens < MinMaxTokens || c.MaxTokens > MaxMaxTokens:
		return fmt.Errorf("%w: max_tokens %d out of range", ErrInvalid, c.MaxTokens)
	case c.Temperature < MinTemperature || c.Temperature > MaxTemperature:
		return fmt.Errorf("%w: temperature %v out of range", ErrInvalid, c.Temperature)
	case c.RateLimitPerHour < MinRateLimitPerHour || c.RateLimitPerHour > MaxRateLimitPerHour:
		return fmt.Errorf("%w: rate_limit_per_hour %d out of range", ErrInvalid, c.RateLimitPerHour)
	}
	return nil
}

// MaskedAPIKey shows the first eight characters, enough to recognize a key.
func (c ProviderConfig) MaskedAPIKey() string {
	if c.APIKey == "" {
		return ""
	}
	r := []rune(c.APIKey)
	if len(r) > 8 {
		r = r[:8]
	}
	return string(r) + "..."
}

// Update carries the fields an admin submitted; nil fields stay unchanged.
type Update struct {
	APIKey           *string
	Model            *string
	MaxTokens        *int
	Temperature      *float64
	RateLimitPerHour *int
}

func (u Update) apply(c ProviderConfig) ProviderConfig {
	if u.APIKey != nil {
		c.APIKey = *u.APIKey
	}
	if u.Model != nil {
		c.Model = *u.Model
	}
	if u.MaxTokens != nil {
		c.MaxTokens = *u.MaxTokens
	}
	if u.Temperature != nil {
		c.Temperature = *u.Temperature
	}
	if u.RateLimitPerHour != nil {
		c.RateLimitPerHour = *u.RateLimitPerHour
	}
	return c
}

type Backend interface {
	ConfigValues(ctx context.Context) (map[string]string, error)
	SetConfigValues(ctx context.Context, values map[string]string) error
}

type Sealer interface {
	SealString(value string) (string, error)
	OpenString(raw string) (string, error)
	NeedsReseal(raw string) bool
}

type Store struct {
	backend Backend
	sealer  Sealer
	logger  zerolog.Logger
}

type StoreConfig struct {
	Backend Backend
	Sealer  Sealer
	Logger  zerolog.Logger
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{backend: cfg.Backend, sealer: cfg.Sealer, logger: cfg.Logger}
}

// Load reads the stored rows over the defaults. Rows that fail to parse keep
// the default and are reported; unknown names are ignored.
func (s *Store) Load(ctx context.Context) (ProviderConfig, error) {
	rows, err := s.backend.ConfigValues(ctx)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("load provider config: %w", err)
	}

	cfg := Defaults()
	for name, raw := range rows {
		switch name {
		case KeyAPIKey:
			key, err := s.sealer.OpenString(raw)
			if errors.Is(err, crypto.ErrNotSealed) {
				s.logger.Warn().Msg("api key is stored unsealed, run migrate to seal it")
				key, err = raw, nil
			}
			if err != nil {
				return ProviderConfig{}, fmt.Errorf("open api key: %w", err)
			}
			cfg.APIKey = key
		case KeyModel:
			cfg.Model = raw
		case KeyMaxTokens:
			if n, err := strconv.Atoi(raw); err == nil {
				cfg.MaxTokens = n
			} else {
				s.logger.Warn().Str("name", name).Str("value", raw).Msg("ignoring malformed config value")
			}
		case KeyTemperature:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				cfg.Temperature = f
			} else {
				s.logger.Warn().Str("name", name).Str("value", raw).Msg("ignoring malformed config value")
			}
		case KeyRateLimitPerHour:
			if n, err := strconv.Atoi(raw); err == nil {
				cfg.RateLimitPerHour = n
			} else {
				s.logger.Warn().Str("name", name).Str("value", raw).Msg("ignoring malformed config value")
			}
		default:
			s.logger.Warn().Str("name", name).Msg("ignoring unknown config name")
		}
	}
	return cfg, nil
}

// Save applies u over the stored config, validates the result and persists
// only the submitted fields.
func (s *Store) Save(ctx context.Context, u Update) (ProviderConfig, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return ProviderConfig{}, err
	}
	next := u.apply(current)
	if err := next.Validate(); err != nil {
		return ProviderConfig{}, err
	}

	values := map[string]string{}
	if u.APIKey != nil {
		sealed, err := s.sealer.SealString(next.APIKey)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("seal api key: %w", err)
		}
		values[KeyAPIKey] = sealed
	}
	if u.Model != nil {
		values[KeyModel] = next.Model
	}
	if u.MaxTokens != nil {
		values[KeyMaxTokens] = strconv.Itoa(next.MaxTokens)
	}
	if u.Temperature != nil {
		values[KeyTemperature] = strconv.FormatFloat(next.Temperature, 'f', -1, 64)
	}
	if u.RateLimitPerHour != nil {
		values[KeyRateLimitPerHour] = strconv.Itoa(next.RateLimitPerHour)
	}
	if err := s.backend.SetConfigValues(ctx, values); err != nil {
		return ProviderConfig{}, fmt.Errorf("save provider config: %w", err)
	}
	return next, nil
}

// Reseal rewrites the stored API key with the current master key when it was
// sealed with an older one or stored in plaintext.
func (s *Store) Reseal(ctx context.Context) (bool, error) {
	rows, err := s.backend.ConfigValues(ctx)
	if err != nil {
		return false, fmt.Errorf("load provider config: %w", err)
	}
	raw := rows[KeyAPIKey]
	if raw == "" {
		return false, nil
	}
	plain, err := s.sealer.OpenString(raw)
	switch {
	case errors.Is(err, crypto.ErrNotSealed):
		plain = raw
	case err != nil:
		return false, fmt.Errorf("open api key: %w", err)
	case !s.sealer.NeedsReseal(raw):
		return false, nil
	}
	sealed, err := s.sealer.SealString(plain)
	if err != nil {
		return false, fmt.Errorf("seal api key: %w", err)
	}
	if err := s.backend.SetConfigValues(ctx, map[string]string{KeyAPIKey: sealed}); err != nil {
		return false, fmt.Errorf("save api key: %w", err)
	}
	return true, nil
}
