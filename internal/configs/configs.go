/*
Package configs loads the server configuration.

Values come from environment variables (ENVIRONMENT, PORT, ALLOWED_ORIGINS, ...) through
viper; command-line flags bound into the same viper instance take precedence.
*/
package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvDevelopment is the default environment name.
	EnvDevelopment = "development"

	// DefaultAllowedOrigin is the origin of the bundled web client.
	DefaultAllowedOrigin = "http://localhost:3000"
)

// Config keys, identical to the environment variable names.
const (
	KeyEnvironment     = "ENVIRONMENT"
	KeyPort            = "PORT"
	KeyAllowedOrigins  = "ALLOWED_ORIGINS"
	KeyLogLevel        = "LOG_LEVEL"
	KeySpamWindow      = "SPAM_WINDOW"
	KeySpamMaxStrikes  = "SPAM_MAX_STRIKES"
	KeyCommandPrefix   = "COMMAND_PREFIX"
	KeyMaxContentBytes = "MAX_CONTENT_BYTES"
	KeyHandshakeRate   = "HANDSHAKE_RATE"
	KeyHandshakeBurst  = "HANDSHAKE_BURST"
)

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int
	LogLevel    string

	// Security Settings
	AllowedOrigins []string
	HandshakeRate  float64
	HandshakeBurst int

	// Messaging Settings
	SpamWindow      time.Duration
	SpamMaxStrikes  int
	CommandPrefix   string
	MaxContentBytes int
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEnvironment, EnvDevelopment)
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyAllowedOrigins, DefaultAllowedOrigin)
	v.SetDefault(KeyLogLevel, "")
	v.SetDefault(KeySpamWindow, 2*time.Second)
	v.SetDefault(KeySpamMaxStrikes, 3)
	v.SetDefault(KeyCommandPrefix, "/")
	v.SetDefault(KeyMaxContentBytes, 5000)
	v.SetDefault(KeyHandshakeRate, 1.0)
	v.SetDefault(KeyHandshakeBurst, 10)
}

// LoadConfig resolves the configuration from v, which must already hold any flag bindings.
// Environment variables are enabled on v here.
func LoadConfig(v *viper.Viper) (*AppConfig, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := &AppConfig{
		Environment:     strings.TrimSpace(v.GetString(KeyEnvironment)),
		Port:            v.GetInt(KeyPort),
		LogLevel:        v.GetString(KeyLogLevel),
		AllowedOrigins:  splitOrigins(v.GetString(KeyAllowedOrigins)),
		HandshakeRate:   v.GetFloat64(KeyHandshakeRate),
		HandshakeBurst:  v.GetInt(KeyHandshakeBurst),
		SpamWindow:      v.GetDuration(KeySpamWindow),
		SpamMaxStrikes:  v.GetInt(KeySpamMaxStrikes),
		CommandPrefix:   v.GetString(KeyCommandPrefix),
		MaxContentBytes: v.GetInt(KeyMaxContentBytes),
	}

	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", c.Port, 1024, 65535)
	}

	if c.SpamWindow <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive duration", KeySpamWindow, c.SpamWindow)
	}

	if c.SpamMaxStrikes < 0 {
		return fmt.Errorf("invalid %s %d: must not be negative", KeySpamMaxStrikes, c.SpamMaxStrikes)
	}

	if c.CommandPrefix == "" {
		return fmt.Errorf("%s must not be empty", KeyCommandPrefix)
	}

	if c.MaxContentBytes <= 0 {
		return fmt.Errorf("invalid %s %d: must be positive", KeyMaxContentBytes, c.MaxContentBytes)
	}

	if c.HandshakeRate <= 0 || c.HandshakeBurst <= 0 {
		return fmt.Errorf("handshake rate (%v) and burst (%d) must be positive", c.HandshakeRate, c.HandshakeBurst)
	}

	if !c.IsDevelopment() && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%s is required in %s environment", KeyAllowedOrigins, c.Environment)
	}

	return nil
}

func splitOrigins(raw string) []string {
	origins := []string{}
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
