/*
Package configs is responsible for loading and validating the relay's configuration settings.

Values come from environment variables (optionally seeded from a .env file by the caller):
the running environment, listen port, log level, CORS/WebSocket allowed origins, the JWT secret
used to verify identities, the optional Redis bridge and the rate limiting knobs.
REST calls and WebSocket events are limited separately.
*/
package configs

import (
	"fmt"
	"strings"

	env "github.com/Netflix/go-env"
)

const (
	// EnvDevelopment is the default running environment.
	EnvDevelopment = "development"

	// devJWTSecret is only accepted in development.
	devJWTSecret = "your_default_insecure_secret_key_change_me"
)

// AppConfig contains all configuration parameters required for the relay to run.
type AppConfig struct {
	// General Server Settings
	Environment string `env:"ENVIRONMENT,default=development"`
	Port        int    `env:"PORT,default=8080"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Security Settings
	AllowedOriginsRaw string `env:"ALLOWED_ORIGINS"`
	AllowedOrigins    []string
	JWTSecret         string `env:"JWT_SECRET"`
	EnforceIdentity   bool   `env:"ENFORCE_IDENTITY,default=false"`

	// Multi-node Bridge Settings
	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL,default=chatrelay:events"`

	// Connection Settings
	SendQueueSize int     `env:"SEND_QUEUE_SIZE,default=256"`
	EventRate     float64 `env:"EVENT_RATE,default=20"`
	EventBurst    int     `env:"EVENT_BURST,default=40"`
	ConnectRate   float64 `env:"CONNECT_RATE,default=1"`
	ConnectBurst  int     `env:"CONNECT_BURST,default=10"`

	// REST Settings, per client IP on /api/relay.
	APIRate  float64 `env:"API_RATE,default=10"`
	APIBurst int     `env:"API_BURST,default=20"`
}

// IsDevelopment reports whether the relay runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// BridgeEnabled reports whether cross-node fan-out through Redis is configured.
func (c *AppConfig) BridgeEnabled() bool {
	return c.RedisURL != ""
}

// LoadConfig reads the configuration from the process environment and validates it.
func LoadConfig() (*AppConfig, error) {
	cfg := &AppConfig{}

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize fills derived fields and applies the validation rules that struct tags cannot express.
func (c *AppConfig) normalize() error {
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}

	// --- General Server Settings ---
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", c.Port, 1024, 65535)
	}

	// --- Security Settings ---
	c.AllowedOrigins = []string{}
	for _, origin := range strings.Split(c.AllowedOriginsRaw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, trimmed)
		}
	}

	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET environment variable is required in %s environment for security", c.Environment)
		}
		c.JWTSecret = devJWTSecret
	}

	// --- Connection Settings ---
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("EVENT_RATE and EVENT_BURST must be positive, got %v/%d", c.EventRate, c.EventBurst)
	}
	if c.ConnectRate <= 0 || c.ConnectBurst <= 0 {
		return fmt.Errorf("CONNECT_RATE and CONNECT_BURST must be positive, got %v/%d", c.ConnectRate, c.ConnectBurst)
	}

	if c.APIRate <= 0 || c.APIBurst <= 0 {
		return fmt.Errorf("API_RATE and API_BURST must be positive, got %v/%d", c.APIRate, c.APIBurst)
	}

	// --- Multi-node Bridge Settings ---
	if c.BridgeEnabled() && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("REDIS_CHANNEL must not be empty when REDIS_URL is set")
	}

	return nil
}
