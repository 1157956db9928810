package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectURL  string
	}

	// StateSecret signs the OAuth state parameter; TokenSecret seals
	// stored access/refresh tokens at rest.
	StateSecret string
	TokenSecret string

	SyncWorkers       int
	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			// url.UserPassword escapes credentials, so passwords with
			// reserved characters survive the round trip through the DSN.
			u := url.URL{
				Scheme:   "postgres",
				User:     url.UserPassword(user, password),
				Host:     net.JoinHostPort(host, port),
				Path:     "/" + name,
				RawQuery: "sslmode=" + url.QueryEscape(sslmode),
			}
			cfg.DB.DSN = u.String()
		}
	}

	cfg.Google.ClientID = os.Getenv("APP_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("APP_GOOGLE_CLIENT_SECRET")
	cfg.Google.IssuerURL = getenvDefault("APP_GOOGLE_ISSUER_URL", "https://accounts.google.com")
	cfg.Google.RedirectURL = getenvDefault("APP_GOOGLE_REDIRECT_URL", cfg.BaseURL+"/oauth/callback")
	cfg.StateSecret = os.Getenv("APP_STATE_SECRET")
	cfg.TokenSecret = os.Getenv("APP_TOKEN_SECRET")
	cfg.SyncWorkers = getenvInt("APP_SYNC_WORKERS", 4)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("google oauth configuration is required: APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET")
	}
	if cfg.StateSecret == "" {
		return nil, errors.New("APP_STATE_SECRET is required")
	}
	if len(cfg.StateSecret) < 32 {
		return nil, fmt.Errorf("APP_STATE_SECRET must be at least 32 characters long (got %d)", len(cfg.StateSecret))
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("APP_TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < 32 {
		return nil, fmt.Errorf("APP_TOKEN_SECRET must be at least 32 characters long (got %d)", len(cfg.TokenSecret))
	}
	if cfg.SyncWorkers < 1 || cfg.SyncWorkers > 32 {
		return nil, fmt.Errorf("APP_SYNC_WORKERS must be between 1 and 32 (got %d)", cfg.SyncWorkers)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. Classync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
