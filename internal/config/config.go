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

const envPrefix = "TASKFLOW_"

// minSecretBytes is 256 bits; the token service refuses to start with less.
const minSecretBytes = 32

// Config holds everything the API process needs at startup.
type Config struct {
	Addr        string
	PostgresDSN string
	RedisAddr   string

	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	OAuth     OAuthConfig
	RateLimit RateLimitConfig
}

// OAuthConfig describes the single federated identity provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether the federation flow is configured.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.AuthURL != "" && c.TokenURL != ""
}

// RateLimitConfig carries per-class limits. Login attempts are counted
// separately from general traffic and fail closed when the counter store
// is unreachable.
type RateLimitConfig struct {
	LoginLimit    int
	LoginWindow   time.Duration
	GeneralLimit  int
	GeneralWindow time.Duration
}

// Load reads configuration from the environment. A local .env file is
// applied first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:        getenv("ADDR", ":8080"),
		PostgresDSN: getenv("PG_DSN", ""),
		RedisAddr:   getenv("REDIS_ADDR", ""),
		JWTSecret:   strings.TrimSpace(os.Getenv(envPrefix + "JWT_SECRET")),
		Issuer:      getenv("ISSUER", "taskflow"),
		OAuth: OAuthConfig{
			ClientID:     getenv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getenv("OAUTH_CLIENT_SECRET", ""),
			AuthURL:      getenv("OAUTH_AUTH_URL", ""),
			TokenURL:     getenv("OAUTH_TOKEN_URL", ""),
			UserInfoURL:  getenv("OAUTH_USERINFO_URL", ""),
			RedirectURL:  getenv("OAUTH_REDIRECT_URL", ""),
			Scopes:       splitList(getenv("OAUTH_SCOPES", "openid,email,profile")),
		},
	}

	var err error
	if cfg.AccessTTL, err = getDuration("ACCESS_TTL", 60*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = getDuration("REFRESH_TTL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.LoginLimit, err = getInt("RATE_LOGIN_LIMIT", 5); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.LoginWindow, err = getDuration("RATE_LOGIN_WINDOW", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.GeneralLimit, err = getInt("RATE_GENERAL_LIMIT", 100); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit.GeneralWindow, err = getDuration("RATE_GENERAL_WINDOW", time.Minute); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: " + envPrefix + "JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("config: JWT secret must be at least %d bytes, got %d", minSecretBytes, len(c.JWTSecret))
	}
	if c.RateLimit.LoginLimit <= 0 || c.RateLimit.GeneralLimit <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if c.OAuth.Enabled() && c.OAuth.RedirectURL == "" {
		return errors.New("config: " + envPrefix + "OAUTH_REDIRECT_URL is required when the provider is configured")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s%s: %w", envPrefix, key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s%s must be positive", envPrefix, key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
