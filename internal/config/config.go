package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root config read in from config.toml, PLAYSYNC_* env and flags.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	DB      DBConfig      `mapstructure:"db"`
	Media   MediaConfig   `mapstructure:"media"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Persist PersistConfig `mapstructure:"persist"`
	Log     LogConfig     `mapstructure:"log"`
}

// HTTPConfig params for the http / websocket listener
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CORS bool   `mapstructure:"cors"`
}

// DBConfig maps onto storage.Options.
type DBConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	Synchronous string        `mapstructure:"synchronous"`
	CacheSize   int           `mapstructure:"cache_size"`
}

type MediaConfig struct {
	Dir string `mapstructure:"dir"`
	// FFprobe is an explicit ffprobe binary; empty means look it up on PATH.
	FFprobe string `mapstructure:"ffprobe"`
	// MaxUploadBytes caps multipart uploads.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// AuthConfig params for token authentication
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// SecureCookie marks the auth cookie Secure (set behind TLS).
	SecureCookie bool `mapstructure:"secure_cookie"`
}

type PersistConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const insecureDefaultSecret = "CHANGE_ME_IN_PRODUCTION"

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr: ":3000",
		},
		DB: DBConfig{
			Path:        "./data/playsync.db",
			BusyTimeout: 5 * time.Second,
			Synchronous: "NORMAL",
			CacheSize:   -2000,
		},
		Media: MediaConfig{
			Dir:            "./data/media",
			MaxUploadBytes: 4 << 30,
		},
		Auth: AuthConfig{
			Secret:   insecureDefaultSecret,
			TokenTTL: 30 * 24 * time.Hour,
			CacheTTL: 5 * time.Minute,
		},
		Persist: PersistConfig{
			Interval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("config: http.addr is required")
	}
	if (c.HTTP.Cert == "") != (c.HTTP.Key == "") {
		return errors.New("config: http.cert and http.key must be set together")
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return errors.New("config: db.path is required")
	}
	switch strings.ToUpper(c.DB.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("config: db.synchronous %q is not a sqlite synchronous mode", c.DB.Synchronous)
	}
	if strings.TrimSpace(c.Media.Dir) == "" {
		return errors.New("config: media.dir is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("config: auth.secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("config: auth.token_ttl must be positive")
	}
	if c.Persist.Interval <= 0 {
		return errors.New("config: persist.interval must be positive")
	}
	return nil
}

// InsecureSecret reports whether the token secret is still the shipped default.
func (c Config) InsecureSecret() bool {
	return c.Auth.Secret == insecureDefaultSecret
}
