package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/shelfauth/pkg/httpx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Config holds all configuration for the shelfauth client. Values are
// layered: defaults, then the TOML file, then .env, then the environment.
type Config struct {
	Env     string        `toml:"env" env:"ENV"`
	Log     LogConfig     `toml:"log"`
	Auth    AuthConfig    `toml:"auth"`
	API     APIConfig     `toml:"api"`
	Storage StorageConfig `toml:"storage"`

	// Rate limits are environment only (RATELIMIT_{API,CALLBACK}_*).
	APILimit      httpx.RateLimitConfig `toml:"-"`
	CallbackLimit httpx.RateLimitConfig `toml:"-"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `toml:"format" env:"LOG_FORMAT"` // json, text
}

// AuthConfig describes the identity provider and this client's
// registration with it.
type AuthConfig struct {
	ClientID string `toml:"client_id" env:"AUTH_CLIENT_ID"`

	// Issuer enables OIDC discovery; discovered endpoints replace the
	// explicit ones below.
	Issuer string `toml:"issuer" env:"AUTH_ISSUER"`

	AuthorizeURL string `toml:"authorization_endpoint" env:"AUTH_AUTHORIZATION_ENDPOINT"`
	TokenURL     string `toml:"token_endpoint" env:"AUTH_TOKEN_ENDPOINT"`
	UserInfoURL  string `toml:"userinfo_endpoint" env:"AUTH_USERINFO_ENDPOINT"`
	RedirectURI  string `toml:"redirect_uri" env:"AUTH_REDIRECT_URI"`
	Scope        string `toml:"scope" env:"AUTH_SCOPE"`

	// Fingerprint pins the device fingerprint instead of deriving it from the host.
	Fingerprint string `toml:"fingerprint" env:"AUTH_FINGERPRINT"`

	RefreshMargin  Duration `toml:"refresh_margin" env:"AUTH_REFRESH_MARGIN"`
	RefreshTimeout Duration `toml:"refresh_timeout" env:"AUTH_REFRESH_TIMEOUT"`
	LoginTimeout   Duration `toml:"login_timeout" env:"AUTH_LOGIN_TIMEOUT"`

	// CheckInterval is how often watch re-checks the session, which
	// catches timers delayed by system sleep.
	CheckInterval Duration `toml:"check_interval" env:"AUTH_CHECK_INTERVAL"`
}

type APIConfig struct {
	BaseURL string   `toml:"base_url" env:"API_BASE_URL"`
	Timeout Duration `toml:"timeout" env:"HTTP_TIMEOUT"`
}

type StorageConfig struct {
	Driver string `toml:"driver" env:"STORAGE_DRIVER"` // sqlite, bolt, memory
	Path   string `toml:"path" env:"STORAGE_PATH"`

	// Secret, when set, seals every stored value.
	Secret string `toml:"secret" env:"STORAGE_SECRET"`
}

// Duration is a time.Duration that decodes from "90s"/"2m" style strings,
// or from a bare integer number of minutes.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))

	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}

	if minutes, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(minutes) * time.Minute)
		return nil
	}

	return fmt.Errorf("invalid duration %q", s)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the built-in configuration: the local book
// service's provider on 127.0.0.1:5001 and its API on 127.0.0.1:4001.
func DefaultConfig() Config {
	return Config{
		Env: "dev",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			ClientID:       "book-app",
			AuthorizeURL:   "http://127.0.0.1:5001/oauth/authorize",
			TokenURL:       "http://127.0.0.1:5001/oauth/token",
			UserInfoURL:    "http://127.0.0.1:5001/oauth/me",
			RedirectURI:    "http://127.0.0.1:5173/callback",
			Scope:          "",
			RefreshMargin:  Duration(2 * time.Minute),
			RefreshTimeout: Duration(10 * time.Second),
			LoginTimeout:   Duration(5 * time.Minute),
			CheckInterval:  Duration(time.Minute),
		},
		API: APIConfig{
			BaseURL: "http://127.0.0.1:4001/api",
			Timeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   defaultStoragePath(DriverSQLite),
		},
		APILimit:      httpx.APILimit,
		CallbackLimit: httpx.CallbackLimit,
	}
}

// LoadConfig builds the configuration. path names an optional TOML file;
// an empty path skips it. A .env file in the working directory is loaded
// if present.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	driver := cfg.Storage.Driver
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	// A driver switch without an explicit path moves to that driver's default.
	if cfg.Storage.Driver != driver && cfg.Storage.Path == defaultStoragePath(driver) {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Driver)
	}

	cfg.APILimit = httpx.ParseRateLimitFromEnv("API", cfg.APILimit)
	cfg.CallbackLimit = httpx.ParseRateLimitFromEnv("CALLBACK", cfg.CallbackLimit)

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.ClientID == "" {
		return errors.New("AUTH_CLIENT_ID is required")
	}

	if c.Auth.Issuer == "" {
		for name, v := range map[string]string{
			"AUTH_AUTHORIZATION_ENDPOINT": c.Auth.AuthorizeURL,
			"AUTH_TOKEN_ENDPOINT":         c.Auth.TokenURL,
			"AUTH_USERINFO_ENDPOINT":      c.Auth.UserInfoURL,
		} {
			if err := requireAbsoluteURL(name, v); err != nil {
				return err
			}
		}
	}

	if err := requireAbsoluteURL("AUTH_REDIRECT_URI", c.Auth.RedirectURI); err != nil {
		return err
	}
	if err := requireAbsoluteURL("API_BASE_URL", c.API.BaseURL); err != nil {
		return err
	}

	if c.Auth.RefreshMargin <= 0 {
		return errors.New("AUTH_REFRESH_MARGIN must be positive")
	}
	if c.Auth.RefreshTimeout <= 0 {
		return errors.New("AUTH_REFRESH_TIMEOUT must be positive")
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("STORAGE_PATH is required for the %s driver", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (want sqlite, bolt or memory)", c.Storage.Driver)
	}

	return nil
}

func requireAbsoluteURL(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, v)
	}
	return nil
}

// defaultStoragePath returns the per-user default for driver, e.g.
// ~/.config/shelfauth/session.db.
func defaultStoragePath(driver string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	name := "session.db"
	if driver == DriverBolt {
		name = "session.bolt"
	}
	return filepath.Join(dir, "shelfauth", name)
}
