package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingJWTSecret   = errors.New("AUTH_JWT_SECRET is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrInvalidMaxLength   = errors.New("MESSAGE_MAX_LENGTH must be > 0")
	ErrInvalidContextSize = errors.New("CONTEXT_LIMIT must be > 0")
)

type Config struct {
	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Relay    RelayConfig
	Provider ProviderConfig
	Crypto   CryptoConfig
	Log      LogConfig
}

type HTTPConfig struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	CSRFTTL     time.Duration
	LockEnabled bool
	LockTTL     time.Duration
	LockWait    time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type RelayConfig struct {
	MessageMaxLength int
	ContextLimit     int
	HistoryLimit     int
	RateFailOpen     bool
	SettingsCacheTTL time.Duration
}

// ProviderConfig holds process-level transport settings for the provider.
// Model and sampling parameters live in the settings store.
type ProviderConfig struct {
	BaseURL    string
	APIVersion string
	UserAgent  string
	Timeout    time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:   mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:   mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:  mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:  mustDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: mustDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "chatrelay.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			CSRFTTL:     mustDuration("CSRF_TTL", 12*time.Hour),
			LockEnabled: mustBool("USER_LOCK_ENABLED", true),
			LockTTL:     mustDuration("USER_LOCK_TTL", 15*time.Second),
			LockWait:    mustDuration("USER_LOCK_WAIT", 5*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: mustEnv("AUTH_JWT_SECRET", ""),
		},
		Relay: RelayConfig{
			MessageMaxLength: mustInt("MESSAGE_MAX_LENGTH", 4000),
			ContextLimit:     mustInt("CONTEXT_LIMIT", 10),
			HistoryLimit:     mustInt("HISTORY_LIMIT", 50),
			RateFailOpen:     mustBool("RATE_LIMIT_FAIL_OPEN", true),
			SettingsCacheTTL: mustDuration("SETTINGS_CACHE_TTL", 30*time.Second),
		},
		Provider: ProviderConfig{
			BaseURL:    mustEnv("PROVIDER_BASE_URL", "https://api.anthropic.com/v1/messages"),
			APIVersion: mustEnv("PROVIDER_API_VERSION", "2023-06-01"),
			UserAgent:  mustEnv("PROVIDER_USER_AGENT", "chatrelay/1.0"),
			Timeout:    mustDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Relay.MessageMaxLength <= 0 {
		return nil, ErrInvalidMaxLength
	}
	if cfg.Relay.ContextLimit <= 0 {
		return nil, ErrInvalidContextSize
	}
	switch cfg.DB.Driver {
	case "postgres", "pgx", "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig collects the master keys used to seal the provider API key.
// Keys come from MASTER_KEYS_JSON ({"id":"base64"}), MASTER_KEY_<ID>_B64 variables
// or a single MASTER_KEY_B64.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
