// Package config centralizes environment configuration. It is loaded once at
// process start and passed by reference to components; request-handling code
// never reads the environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultAddr         = ":8080"
	defaultRedirectPath = "/callback"
	defaultScope        = "read,activity:read_all"
	defaultTokenTTLSec  = 30 * 24 * 60 * 60 // 30 days
)

// Config holds every runtime setting of the service. Required fields are
// validated eagerly so a misconfigured process fails at startup, not on the
// first request.
type Config struct {
	Env  string
	Addr string

	// AppURL is the public base URL of this service; the Strava redirect URI
	// is AppURL + RedirectPath and must match the value registered at Strava.
	AppURL       string `validate:"required,url"`
	RedirectPath string `validate:"required,startswith=/"`

	StravaClientID     string `validate:"required"`
	StravaClientSecret string `validate:"required"`
	StravaScope        string `validate:"required"`

	// JWTSecret signs the application bearer tokens handed to the tool.
	JWTSecret string `validate:"required,min=16"`

	StoreType     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TokenTTLSeconds bounds how long a token record may sit unused before
	// the store expires it.
	TokenTTLSeconds int `validate:"gt=0"`

	LogLevel string
}

// Load reads the environment (and an optional .env file), applies defaults,
// and validates the result. It must be called exactly once, from main.
func Load() (*Config, error) {
	// A missing .env file is fine; real deployments configure the process
	// environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Env:                getenv("ENV", "development"),
		Addr:               getenv("ADDR", defaultAddr),
		AppURL:             strings.TrimRight(os.Getenv("APP_URL"), "/"),
		RedirectPath:       getenv("STRAVA_REDIRECT_PATH", defaultRedirectPath),
		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		StravaScope:        getenv("STRAVA_SCOPE", defaultScope),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		StoreType:          getenv("STORE_TYPE", "memory"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		TokenTTLSeconds:    defaultTokenTTLSec,
		LogLevel:           os.Getenv("LOG_LEVEL"),
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = db
	}
	if v := os.Getenv("REDIS_TTL_SECONDS"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_TTL_SECONDS %q: %w", v, err)
		}
		cfg.TokenTTLSeconds = ttl
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return cfg, nil
}

// RedirectURI returns the full OAuth callback URL registered with Strava.
// Strava requires a byte-identical redirect URI on both the authorize and
// token-exchange legs.
func (c *Config) RedirectURI() string {
	return c.AppURL + c.RedirectPath
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
