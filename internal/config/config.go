package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AccessModePublic  = "public"
	AccessModePrivate = "private"

	// VaultKeyLength is the exact length the process vault key must have.
	VaultKeyLength = 32
)

var (
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingAdminIDs    = errors.New("ADMIN_USER_IDS must contain at least one id")
	ErrInvalidAccessMode  = errors.New("BOT_ACCESS_MODE must be 'public' or 'private'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required")
	ErrBadVaultKey        = errors.New("VAULT_KEY must be exactly 32 characters")
)

type Config struct {
	BotToken      string
	BotAccessMode string
	AdminUserIDs  []int64

	DevPolling bool

	Webhook   WebhookConfig
	Redis     RedisConfig
	DB        DBConfig
	HTTP      HTTPConfig
	Rate      RateConfig
	Vault     VaultConfig
	Chat      ChatConfig
	Providers ProviderConfig
	Log       LogConfig
}

type WebhookConfig struct {
	ListenAddr     string
	PublicURL      string
	SecretPath     string
	SecretToken    string
	HealthPath     string
	MetricsPath    string
	WebhookTimeout time.Duration
}

type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	UpdateTTL        time.Duration
	WizardTTL        time.Duration
	HistoryTTL       time.Duration
	ActiveBackendTTL time.Duration
	BanTTL           time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type HTTPConfig struct {
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	ProbeTimeout  time.Duration
}

type RateConfig struct {
	PerHour int64
}

// VaultConfig carries the process-wide secret-encryption keys. Keys maps
// key version to raw key material; Version names the key used for new
// ciphertexts. Older versions stay decryptable.
type VaultConfig struct {
	Version string
	Keys    map[string][]byte
}

type ChatConfig struct {
	Window       int
	SystemPrompt string
}

// ProviderConfig holds optional server-side keys for the built-in models,
// keyed by provider name. A built-in without a key still resolves; dispatch
// reports an auth failure when it is actually used.
type ProviderConfig struct {
	Keys map[string]string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// .env is a dev convenience; real env vars win.
	_ = godotenv.Load()

	cfg := &Config{
		BotToken:      mustEnv("BOT_TOKEN", ""),
		BotAccessMode: strings.ToLower(mustEnv("BOT_ACCESS_MODE", AccessModePublic)),
		DevPolling:    mustBool("DEV_POLLING", true),
		Webhook: WebhookConfig{
			ListenAddr:     mustEnv("WEBHOOK_LISTEN_ADDR", ":8080"),
			PublicURL:      mustEnv("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(mustEnv("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    mustEnv("WEBHOOK_SECRET_TOKEN", ""),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			WebhookTimeout: mustDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		},
		Redis: RedisConfig{
			Addr:             mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:         mustEnv("REDIS_PASSWORD", ""),
			DB:               mustInt("REDIS_DB", 0),
			UpdateTTL:        mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			WizardTTL:        mustDuration("WIZARD_TTL", 20*time.Minute),
			HistoryTTL:       mustDuration("HISTORY_CACHE_TTL", 15*time.Minute),
			ActiveBackendTTL: mustDuration("ACTIVE_BACKEND_TTL", 10*time.Minute),
			BanTTL:           mustDuration("BAN_CACHE_TTL", 5*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "postgres")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			ProbeTimeout:  mustDuration("PROBE_TIMEOUT", 10*time.Second),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 30)),
		},
		Chat: ChatConfig{
			Window:       mustInt("CONTEXT_WINDOW", 20),
			SystemPrompt: mustEnv("SYSTEM_PROMPT", "You are a helpful AI assistant. Provide accurate and concise answers."),
		},
		Providers: ProviderConfig{
			Keys: map[string]string{
				"openai":    mustEnv("OPENAI_API_KEY", ""),
				"anthropic": mustEnv("ANTHROPIC_API_KEY", ""),
				"gemini":    mustEnv("GEMINI_API_KEY", ""),
			},
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.BotToken == "" {
		return nil, ErrMissingBotToken
	}
	if cfg.BotAccessMode != AccessModePublic && cfg.BotAccessMode != AccessModePrivate {
		return nil, ErrInvalidAccessMode
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Redis.Addr == "" {
		return nil, ErrMissingRedisAddr
	}
	if cfg.Chat.Window < 1 {
		return nil, fmt.Errorf("CONTEXT_WINDOW must be >= 1, got %d", cfg.Chat.Window)
	}

	admins, err := parseAdminIDs(mustEnv("ADMIN_USER_IDS", ""))
	if err != nil {
		return nil, err
	}
	cfg.AdminUserIDs = admins

	vc, err := loadVaultConfig()
	if err != nil {
		return nil, err
	}
	cfg.Vault = vc

	return cfg, nil
}

func parseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("ADMIN_USER_IDS contains invalid id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrMissingAdminIDs
	}
	return ids, nil
}

// loadVaultConfig reads VAULT_KEY (the current key, verbatim 32 characters)
// plus any VAULT_KEY_<VERSION> entries kept around so old ciphertexts stay
// decryptable after a rotation. VAULT_KEY_VERSION names the current version.
func loadVaultConfig() (VaultConfig, error) {
	current := mustEnv("VAULT_KEY_VERSION", "v1")
	keys := map[string][]byte{}

	primary := os.Getenv("VAULT_KEY")
	if len(primary) != VaultKeyLength {
		return VaultConfig{}, ErrBadVaultKey
	}
	keys[current] = []byte(primary)

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "VAULT_KEY_") || k == "VAULT_KEY_VERSION" {
			continue
		}
		version := strings.TrimPrefix(k, "VAULT_KEY_")
		if version == "" || v == "" {
			continue
		}
		if len(v) != VaultKeyLength {
			return VaultConfig{}, fmt.Errorf("vault key %q: %w", version, ErrBadVaultKey)
		}
		keys[version] = []byte(v)
	}

	return VaultConfig{Version: current, Keys: keys}, nil
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
